package firmware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdateChecks counts resolutions by result: forced, offered, up_to_date, no_firmware.
	UpdateChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ota_update_checks_total",
			Help: "Total number of device update checks by result",
		},
		[]string{"result"},
	)

	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ota_downloads_total",
			Help: "Total number of firmware downloads served",
		},
		[]string{"origin", "transport"},
	)

	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ota_uploads_total",
			Help: "Total number of firmware uploads by result",
		},
		[]string{"result"}, // "committed", "rejected", "failed"
	)

	ForcedOverrides = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ota_forced_overrides_total",
			Help: "Forced update overrides by lifecycle event",
		},
		[]string{"event"}, // "set", "consumed", "cleared"
	)

	RegistryArtifacts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ota_registry_artifacts",
			Help: "Current number of artifacts in the firmware registry",
		},
		[]string{"origin"},
	)

	RegistryPersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ota_registry_persist_seconds",
			Help:    "Time spent writing the uploaded firmware manifest",
			Buckets: prometheus.DefBuckets,
		},
	)
)
