package api

import (
	"errors"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"otad/services/firmware"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondFirmwareError maps a firmware error kind onto an HTTP status.
func respondFirmwareError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	kind := firmware.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case firmware.KindValidation:
		status = http.StatusBadRequest
	case firmware.KindNotFound:
		status = http.StatusNotFound
	case firmware.KindPermissionDenied:
		status = http.StatusForbidden
	}
	respondJSON(w, status, map[string]any{"error": err.Error(), "kind": kind.String()})
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(headerActor)); actor != "" {
		return actor
	}
	return defaultActor
}

// baseURL returns the externally visible scheme and host for r.
func (a *API) baseURL(r *http.Request) string {
	if a.config.PublicBaseURL != "" {
		return strings.TrimRight(a.config.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host
}

func (a *API) absolutise(r *http.Request, d firmware.Decision) firmware.Decision {
	if d.FirmwareURL == "" || strings.HasPrefix(d.FirmwareURL, "http://") || strings.HasPrefix(d.FirmwareURL, "https://") {
		return d
	}
	d.FirmwareURL = a.baseURL(r) + d.FirmwareURL
	return d
}
