package audit

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"otad/services/firmware"
)

const deviceActor = "device"

// ingested maps bus subjects to the durable consumer and audit action used for them.
var ingested = []struct {
	subject string
	durable string
	action  string
}{
	{firmware.SubjectDownloaded, "ota-audit-downloads", "firmware.downloaded"},
	{firmware.SubjectOffered, "ota-audit-offers", "update.offered"},
}

// Subscriber is the consuming side of the event bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Appender stores audit entries.
type Appender interface {
	Record(ctx context.Context, actor, action, obj string, details map[string]any) error
}

// Ingestor copies device-side OTA events from the bus into the audit trail.
type Ingestor struct {
	bus Subscriber
	rec Appender
	log zerolog.Logger

	subMu sync.Mutex
	subs  []io.Closer
}

// NewIngestor constructs an Ingestor for the provided dependencies.
func NewIngestor(bus Subscriber, rec Appender, log zerolog.Logger) (*Ingestor, error) {
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if rec == nil {
		return nil, errors.New("recorder is required")
	}
	return &Ingestor{bus: bus, rec: rec, log: log}, nil
}

// Start subscribes to device events and records them until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}

	for _, in := range ingested {
		action := in.action
		sub, err := i.bus.Subscribe(ctx, in.subject, in.durable, func(msgCtx context.Context, data []byte) error {
			return i.handle(msgCtx, action, data)
		})
		if err != nil {
			_ = i.Close()
			return err
		}
		i.subMu.Lock()
		i.subs = append(i.subs, sub)
		i.subMu.Unlock()
	}
	return nil
}

// Close stops every subscription created by Start.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	var errs []error
	for _, sub := range i.subs {
		errs = append(errs, sub.Close())
	}
	i.subs = nil
	return errors.Join(errs...)
}

func (i *Ingestor) handle(ctx context.Context, action string, data []byte) error {
	var evt firmware.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		// Redelivery would not fix a malformed payload.
		i.log.Warn().Err(err).Str("action", action).Msg("drop malformed ota event")
		return nil
	}
	if strings.TrimSpace(evt.Key) == "" {
		i.log.Warn().Str("action", action).Msg("drop ota event without key")
		return nil
	}

	actor := deviceActor
	if evt.DeviceID != "" {
		actor = deviceActor + ":" + evt.DeviceID
	}
	details := map[string]any{
		"device_type": evt.DeviceType,
		"version":     evt.Version,
	}
	if evt.Origin != "" {
		details["origin"] = string(evt.Origin)
	}
	if evt.Transport != "" {
		details["transport"] = evt.Transport
	}
	if evt.UpdateType != "" {
		details["update_type"] = evt.UpdateType
	}
	if !evt.At.IsZero() {
		details["event_at"] = evt.At.UTC().Format(time.RFC3339Nano)
	}
	return i.rec.Record(ctx, actor, action, evt.Key, details)
}
