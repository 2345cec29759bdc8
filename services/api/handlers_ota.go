package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"otad/services/firmware"
)

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(r, "deviceID"))
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, errors.New("device id is required"))
		return
	}
	currentVersion := strings.TrimSpace(r.Header.Get(headerDeviceVersion))
	if currentVersion == "" {
		currentVersion = a.config.DefaultVersion
	}
	deviceType := strings.TrimSpace(r.Header.Get(headerDeviceType))
	if deviceType == "" {
		deviceType = a.config.DefaultDeviceType
	}

	d := a.svc.CheckUpdate(r.Context(), deviceID, currentVersion, deviceType)
	a.log.Info().
		Str("device_id", deviceID).
		Str("current_version", currentVersion).
		Str("device_type", deviceType).
		Bool("update_available", d.UpdateAvailable).
		Str("firmware_key", d.FirmwareKey).
		Msg("ota check")
	respondJSON(w, http.StatusOK, a.absolutise(r, d))
}

func setDownloadHeaders(w http.ResponseWriter, d firmware.Download) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Artifact.Key+firmware.BinaryExtension))
	if d.Artifact.ContentHash != "" {
		w.Header().Set(headerFirmwareHash, d.Artifact.ContentHash)
	}
}

// countsAsDownload reports whether a GET should be recorded. Resumed transfers that
// start past the first byte are not counted again.
// countsAsDownload reports whether a served response delivered the whole image: a
// plain 200, or a 206 for an open range from the first byte. Conditional hits
// (304, 412) and resumed or multi-range transfers are not counted.
func countsAsDownload(r *http.Request, status int) bool {
	switch status {
	case http.StatusOK:
		return true
	case http.StatusPartialContent:
		return strings.TrimSpace(r.Header.Get("Range")) == "bytes=0-"
	default:
		return false
	}
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	f, d, err := a.svc.OpenDownload(key)
	if err != nil {
		respondFirmwareError(w, err)
		return
	}
	defer f.Close()

	a.log.Info().Str("key", key).Str("origin", string(d.Artifact.Origin)).Msg("serving firmware download")
	setDownloadHeaders(w, d)
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	http.ServeContent(ww, r, d.Artifact.Key+firmware.BinaryExtension, d.ModTime, f)

	if countsAsDownload(r, ww.Status()) {
		a.svc.RecordDownload(r.Context(), d, firmware.TransportHTTP)
	}
}

func (a *API) handleDownloadHead(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.Stat(chi.URLParam(r, "key"))
	if err != nil {
		respondFirmwareError(w, err)
		return
	}
	setDownloadHeaders(w, d)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	w.Header().Set("Last-Modified", d.ModTime.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("firmware exceeds %d bytes", a.config.MaxUploadBytes))
			return
		}
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("firmware")
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("no firmware file provided"))
		return
	}
	defer file.Close()

	deviceType := strings.TrimSpace(r.FormValue("device_type"))
	if deviceType == "" {
		deviceType = a.config.DefaultDeviceType
	}
	autoAssign := false
	if raw := strings.TrimSpace(r.FormValue("auto_assign")); raw != "" {
		autoAssign, err = strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("auto_assign must be a boolean"))
			return
		}
	}

	artifact, err := a.svc.Upload(r.Context(), actorFrom(r), firmware.UploadRequest{
		Filename:    header.Filename,
		DeviceType:  deviceType,
		Description: r.FormValue("description"),
		AutoAssign:  autoAssign,
	}, file)
	if err != nil {
		respondFirmwareError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"success":      true,
		"firmware_key": artifact.Key,
		"version":      artifact.Version,
		"firmware":     artifact,
	})
}

func (a *API) handleForceUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FirmwareType string `json:"firmware_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	d, err := a.svc.ForceUpdate(r.Context(), actorFrom(r), chi.URLParam(r, "deviceID"), strings.TrimSpace(req.FirmwareType))
	if err != nil {
		respondFirmwareError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a.absolutise(r, d))
}

func (a *API) handleListForced(w http.ResponseWriter, r *http.Request) {
	forced := a.svc.ForcedUpdates()
	for id, d := range forced {
		forced[id] = a.absolutise(r, d)
	}
	respondJSON(w, http.StatusOK, map[string]any{"forced_updates": forced})
}

func (a *API) handleClearForced(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !a.svc.ClearForcedUpdate(r.Context(), actorFrom(r), deviceID) {
		respondError(w, http.StatusNotFound, fmt.Errorf("no forced update pending for %s", deviceID))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteArtifact(r.Context(), actorFrom(r), chi.URLParam(r, "key")); err != nil {
		respondFirmwareError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.IsActive == nil {
		respondError(w, http.StatusBadRequest, errors.New("is_active is required"))
		return
	}
	artifact, err := a.svc.SetActive(r.Context(), actorFrom(r), chi.URLParam(r, "key"), *req.IsActive)
	if err != nil {
		respondFirmwareError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artifact)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := firmware.Filter{DeviceType: strings.TrimSpace(q.Get("device_type"))}
	if raw := q.Get("include_inactive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("include_inactive must be a boolean"))
			return
		}
		filter.IncludeInactive = v
	}
	respondJSON(w, http.StatusOK, map[string]any{"firmware_versions": a.svc.ListArtifacts(filter)})
}

func (a *API) handleFirmwareTypes(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"firmware_types": a.svc.FirmwareTypes()})
}

func (a *API) handleAssignments(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"device_assignments":  a.svc.Assignments(),
		"auto_update_enabled": a.svc.Registry().AutoUpdateEnabled(),
	})
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.svc.Stats())
}
