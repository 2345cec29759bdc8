package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	defaultPresignTTL = 5 * time.Minute
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func (a *API) handlePresign(w http.ResponseWriter, r *http.Request) {
	if a.presigner == nil {
		respondError(w, http.StatusNotFound, errors.New("firmware mirror not configured"))
		return
	}

	key := chi.URLParam(r, "key")
	artifact, ok := a.svc.Registry().Get(key)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("firmware %s not found", key))
		return
	}
	if artifact.IsCompiled() {
		respondError(w, http.StatusNotFound, errors.New("compiled firmware is not mirrored"))
		return
	}

	ttl := defaultPresignTTL
	if raw := strings.TrimSpace(r.URL.Query().Get("ttl")); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid ttl"))
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}

	url, granted, err := a.presigner.Presign(r.Context(), artifact, ttl)
	if err != nil {
		respondError(w, http.StatusBadGateway, fmt.Errorf("presign: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":         url,
		"key":         key,
		"expires_in":  int(granted.Seconds()),
		"file_hash":   artifact.ContentHash,
		"file_size":   artifact.SizeBytes,
		"description": artifact.Description,
	})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		respondError(w, http.StatusNotFound, errors.New("audit trail not configured"))
		return
	}

	limit := defaultAuditLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		if parsed > maxAuditLimit {
			parsed = maxAuditLimit
		}
		limit = parsed
	}

	entries, err := a.audit.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": entries})
}
