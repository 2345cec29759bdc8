package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", headerDeviceVersion, headerDeviceType, headerActor},
		ExposedHeaders: []string{"Content-Disposition", headerFirmwareHash},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if a.config.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(a.config.RateLimitPerMinute, time.Minute))
		}
		r.Route("/api/ota", a.otaRoutes)
		r.Route("/v1/ota", a.otaRoutes)
	})

	return r, nil
}

func (a *API) otaRoutes(r chi.Router) {
	// Firmware transfers in either direction can outlast the request timeout on
	// slow links.
	r.Get("/download/{key}", a.handleDownload)
	r.Head("/download/{key}", a.handleDownloadHead)
	r.Post("/upload", a.handleUpload)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))

		r.Get("/check/{deviceID}", a.handleCheck)
		r.Post("/force-update/{deviceID}", a.handleForceUpdate)
		r.Get("/forced", a.handleListForced)
		r.Delete("/forced/{deviceID}", a.handleClearForced)
		r.Delete("/delete/{key}", a.handleDelete)
		r.Delete("/firmware/{key}", a.handleDelete)
		r.Put("/firmware/{key}/active", a.handleSetActive)
		r.Get("/firmware/{key}/presign", a.handlePresign)
		r.Get("/firmware", a.handleList)
		r.Get("/versions", a.handleList)
		r.Get("/firmware-types", a.handleFirmwareTypes)
		r.Get("/assignments", a.handleAssignments)
		r.Get("/stats", a.handleStats)
		r.Get("/audit", a.handleAudit)
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
