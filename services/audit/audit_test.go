package audit

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"otad/services/firmware"
)

type recordCall struct {
	actor, action, obj string
	details            map[string]any
}

type fakeAppender struct {
	mu    sync.Mutex
	calls []recordCall
	err   error
}

func (f *fakeAppender) Record(_ context.Context, actor, action, obj string, details map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordCall{actor: actor, action: action, obj: obj, details: details})
	return f.err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type fakeSubscriber struct {
	handlers map[string]func(context.Context, []byte) error
	durables []string
	closed   int
	failOn   string
}

func (f *fakeSubscriber) Subscribe(_ context.Context, subj, durable string, fn func(context.Context, []byte) error) (io.Closer, error) {
	if subj == f.failOn {
		return nil, errors.New("subscribe refused")
	}
	if f.handlers == nil {
		f.handlers = map[string]func(context.Context, []byte) error{}
	}
	f.handlers[subj] = fn
	f.durables = append(f.durables, durable)
	return closerFunc(func() error { f.closed++; return nil }), nil
}

func TestJSONMapHelpers(t *testing.T) {
	require.Equal(t, map[string]any{}, mapFromJSONMap(nil))
	require.Equal(t, datatypes.JSONMap{}, toJSONMap(nil))

	src := map[string]any{"version": "20240102.000000", "file_size": 42}
	out := toJSONMap(src)
	src["version"] = "mutated"
	require.Equal(t, "20240102.000000", out["version"])
	require.Equal(t, map[string]any{"version": "20240102.000000", "file_size": 42}, mapFromJSONMap(out))
}

func TestNewModelValidates(t *testing.T) {
	_, err := newModel(" ", "firmware.upload", "k", nil)
	require.EqualError(t, err, "actor is required")

	_, err = newModel("api", "", "k", nil)
	require.EqualError(t, err, "action is required")

	m, err := newModel(" api ", "firmware.delete", "ESP32_20240101.000000", map[string]any{"version": "v"})
	require.NoError(t, err)
	require.Equal(t, "api", m.Actor)
	require.Equal(t, "firmware.delete", m.Action)
	require.Equal(t, "ota_audit", m.TableName())
	require.Equal(t, "v", m.Details["version"])
}

func TestNewRecorderRequiresDependencies(t *testing.T) {
	_, err := NewRecorder(nil, nil)
	require.Error(t, err)

	var r *Recorder
	require.Error(t, r.Record(context.Background(), "api", "x", "", nil))
	_, err = r.Recent(context.Background(), 10)
	require.Error(t, err)
}

func TestIngestorRecordsDeviceEvents(t *testing.T) {
	bus := &fakeSubscriber{}
	rec := &fakeAppender{}
	ing, err := NewIngestor(bus, rec, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ing.Start(ctx))
	require.ElementsMatch(t, []string{"ota-audit-downloads", "ota-audit-offers"}, bus.durables)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	offered, err := json.Marshal(firmware.Event{
		Key:        "LED_20240102.030405",
		DeviceID:   "dev-1",
		DeviceType: "LED",
		Version:    "20240102.030405",
		UpdateType: "cross_firmware",
		At:         at,
	})
	require.NoError(t, err)
	require.NoError(t, bus.handlers[firmware.SubjectOffered](ctx, offered))

	downloaded, err := json.Marshal(firmware.Event{
		Key:       "LED_20240102.030405",
		Origin:    firmware.OriginUploaded,
		Transport: firmware.TransportTFTP,
	})
	require.NoError(t, err)
	require.NoError(t, bus.handlers[firmware.SubjectDownloaded](ctx, downloaded))

	require.Len(t, rec.calls, 2)
	require.Equal(t, "device:dev-1", rec.calls[0].actor)
	require.Equal(t, "update.offered", rec.calls[0].action)
	require.Equal(t, "LED_20240102.030405", rec.calls[0].obj)
	require.Equal(t, "cross_firmware", rec.calls[0].details["update_type"])
	require.Equal(t, "2024-01-02T03:04:05Z", rec.calls[0].details["event_at"])

	require.Equal(t, "device", rec.calls[1].actor)
	require.Equal(t, "firmware.downloaded", rec.calls[1].action)
	require.Equal(t, "tftp", rec.calls[1].details["transport"])

	require.NoError(t, ing.Close())
	require.Equal(t, 2, bus.closed)
}

func TestIngestorDropsMalformedEvents(t *testing.T) {
	rec := &fakeAppender{}
	ing, err := NewIngestor(&fakeSubscriber{}, rec, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, ing.handle(context.Background(), "update.offered", []byte("{not json")))
	require.NoError(t, ing.handle(context.Background(), "update.offered", []byte(`{"device_id":"d"}`)))
	require.Empty(t, rec.calls)
}

func TestIngestorPropagatesRecordFailure(t *testing.T) {
	rec := &fakeAppender{err: errors.New("db down")}
	ing, err := NewIngestor(&fakeSubscriber{}, rec, zerolog.Nop())
	require.NoError(t, err)

	err = ing.handle(context.Background(), "firmware.downloaded", []byte(`{"key":"k"}`))
	require.EqualError(t, err, "db down")
}

func TestIngestorStartFailureClosesEarlierSubscriptions(t *testing.T) {
	bus := &fakeSubscriber{failOn: firmware.SubjectOffered}
	ing, err := NewIngestor(bus, &fakeAppender{}, zerolog.Nop())
	require.NoError(t, err)

	require.Error(t, ing.Start(context.Background()))
	require.Equal(t, 1, bus.closed)
}
