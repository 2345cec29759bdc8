package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"otad/services/audit"
	"otad/services/firmware"
)

type testEnv struct {
	srv   *httptest.Server
	svc   *firmware.Service
	clock *time.Time
}

func (e *testEnv) url(path string) string { return e.srv.URL + path }

func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	root := t.TempDir()
	compiledDir := filepath.Join(root, "compiled")
	require.NoError(t, os.MkdirAll(compiledDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(compiledDir, "base.bin"), []byte("compiled base"), 0o644))
	manifest, err := firmware.EncodeCompiledManifest([]firmware.CompiledManifestEntry{{
		Name:              "base",
		Version:           "1.0.0",
		Description:       "ESP32 firmware: base",
		Filename:          "base.bin",
		Size:              13,
		CompatibleDevices: []string{"ESP32_OTA_Base"},
		BuildDate:         "2023-12-01T00:00:00Z",
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(compiledDir, firmware.ManifestFileName), manifest, 0o644))

	store, err := firmware.NewArtifactStore(filepath.Join(root, "data"), compiledDir)
	require.NoError(t, err)
	reg, err := firmware.NewRegistry(store)
	require.NoError(t, err)
	require.NoError(t, reg.Load())

	clock := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	env := &testEnv{clock: &clock}
	env.svc, err = firmware.NewService(reg, firmware.Options{Now: func() time.Time { return *env.clock }})
	require.NoError(t, err)

	a, err := New(env.svc, cfg, opts...)
	require.NoError(t, err)
	h, err := a.Routes()
	require.NoError(t, err)
	env.srv = httptest.NewServer(h)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) upload(t *testing.T, filename, deviceType string, content []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("firmware", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("device_type", deviceType))
	require.NoError(t, mw.WriteField("description", deviceType+" release"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.url("/api/ota/upload"), &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(headerActor, "tester")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, body string, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.url(path), r)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUploadThenCheckOffersAbsoluteURL(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.upload(t, "blink.bin", "ESP32_LED_Blink", []byte("led firmware"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	require.Equal(t, "ESP32_LED_Blink_20240102.120000", created["firmware_key"])
	require.Equal(t, "20240102.120000", created["version"])

	resp = env.do(t, http.MethodGet, "/api/ota/check/dev-1", "", map[string]string{
		headerDeviceVersion: "1.0.0",
		headerDeviceType:    "ESP32_OTA_Base",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[firmware.Decision](t, resp)
	require.True(t, d.UpdateAvailable)
	require.Equal(t, firmware.UpdateCrossFirmware, d.UpdateType)
	require.Equal(t, env.url("/api/ota/download/ESP32_LED_Blink_20240102.120000"), d.FirmwareURL)
	require.EqualValues(t, len("led firmware"), d.FileSize)

	resp = env.do(t, http.MethodGet, "/api/ota/check/dev-1", "", map[string]string{headerDeviceVersion: "20240102.120000"})
	d = decode[firmware.Decision](t, resp)
	require.False(t, d.UpdateAvailable)
	require.Equal(t, firmware.ReasonUpToDate, d.Reason)
}

func TestCheckUsesPublicBaseURL(t *testing.T) {
	env := newTestEnv(t, Config{PublicBaseURL: "https://ota.example.com/"})

	resp := env.do(t, http.MethodGet, "/v1/ota/check/dev-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[firmware.Decision](t, resp)
	require.True(t, d.UpdateAvailable)
	require.Equal(t, "compiled_base", d.FirmwareKey)
	require.Equal(t, firmware.UpdateCrossFirmware, d.UpdateType)
	require.Equal(t, "https://ota.example.com/api/ota/download/compiled_base", d.FirmwareURL)
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.upload(t, "blink.hex", "ESP32_LED_Blink", []byte("led"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation", decode[map[string]string](t, resp)["kind"])

	resp = env.upload(t, "blink.bin", "bad type!", []byte("led"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/ota/upload", "", map[string]string{"Content-Type": "multipart/form-data; boundary=x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, env.svc.ListArtifacts(firmware.Filter{DeviceType: "ESP32_LED_Blink", IncludeInactive: true}))
}

func TestDownloadCountsFullTransfersOnly(t *testing.T) {
	env := newTestEnv(t, Config{})
	content := []byte("led firmware image")
	require.Equal(t, http.StatusCreated, env.upload(t, "blink.bin", "ESP32_LED_Blink", content).StatusCode)
	key := "ESP32_LED_Blink_20240102.120000"

	resp := env.do(t, http.MethodGet, "/api/ota/download/"+key, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), key+".bin")
	require.NotEmpty(t, resp.Header.Get(headerFirmwareHash))

	resp = env.do(t, http.MethodHead, "/api/ota/download/"+key, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, len(content), resp.ContentLength)

	resp = env.do(t, http.MethodGet, "/api/ota/download/"+key, "", map[string]string{"Range": "bytes=4-"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content[4:], got)

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	resp = env.do(t, http.MethodGet, "/api/ota/download/"+key, "", map[string]string{"If-Modified-Since": future})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)

	past := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)
	resp = env.do(t, http.MethodGet, "/api/ota/download/"+key, "", map[string]string{"If-Unmodified-Since": past})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/ota/download/"+key, "", map[string]string{"Range": "bytes=0-3,6-"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)

	a, ok := env.svc.Registry().Get(key)
	require.True(t, ok)
	require.EqualValues(t, 1, a.DownloadCount)

	resp = env.do(t, http.MethodGet, "/api/ota/download/"+key, "", map[string]string{"Range": "bytes=0-"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content, got)

	a, ok = env.svc.Registry().Get(key)
	require.True(t, ok)
	require.EqualValues(t, 2, a.DownloadCount)

	resp = env.do(t, http.MethodGet, "/api/ota/download/compiled_base", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/ota/download/missing", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", decode[map[string]string](t, resp)["kind"])
}

func TestForceUpdateIsDeliveredOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusCreated, env.upload(t, "blink.bin", "ESP32_LED_Blink", []byte("led")).StatusCode)

	resp := env.do(t, http.MethodPost, "/api/ota/force-update/dev-9", `{"firmware_type":"ESP32_OTA_Base"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	forced := decode[firmware.Decision](t, resp)
	require.Equal(t, firmware.UpdateForced, forced.UpdateType)
	require.Equal(t, "compiled_base", forced.FirmwareKey)

	resp = env.do(t, http.MethodGet, "/api/ota/forced", "", nil)
	pending := decode[map[string]map[string]firmware.Decision](t, resp)["forced_updates"]
	require.Contains(t, pending, "dev-9")

	resp = env.do(t, http.MethodGet, "/api/ota/check/dev-9", "", nil)
	d := decode[firmware.Decision](t, resp)
	require.Equal(t, firmware.UpdateForced, d.UpdateType)
	require.Equal(t, "compiled_base", d.FirmwareKey)

	resp = env.do(t, http.MethodGet, "/api/ota/check/dev-9", "", nil)
	d = decode[firmware.Decision](t, resp)
	require.NotEqual(t, firmware.UpdateForced, d.UpdateType)
	require.Equal(t, "ESP32_LED_Blink_20240102.120000", d.FirmwareKey)

	resp = env.do(t, http.MethodDelete, "/api/ota/forced/dev-9", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForceUpdateErrors(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/ota/force-update/dev-1", `{"firmware_type":"Unknown"}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/ota/force-update/dev-1", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/ota/force-update/dev-1", `{"firmware":"ESP32_OTA_Base"}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteAndSetActive(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusCreated, env.upload(t, "blink.bin", "ESP32_LED_Blink", []byte("led")).StatusCode)
	key := "ESP32_LED_Blink_20240102.120000"

	resp := env.do(t, http.MethodDelete, "/api/ota/firmware/compiled_base", "", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "permission_denied", decode[map[string]string](t, resp)["kind"])

	resp = env.do(t, http.MethodPut, "/api/ota/firmware/"+key+"/active", `{"is_active":false}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, decode[firmware.Artifact](t, resp).IsActive)

	resp = env.do(t, http.MethodPut, "/api/ota/firmware/"+key+"/active", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/ota/firmware", "", nil)
	listed := decode[map[string][]firmware.Artifact](t, resp)["firmware_versions"]
	require.Len(t, listed, 1)
	require.Equal(t, "compiled_base", listed[0].Key)

	resp = env.do(t, http.MethodGet, "/api/ota/versions?include_inactive=true", "", nil)
	require.Len(t, decode[map[string][]firmware.Artifact](t, resp)["firmware_versions"], 2)

	resp = env.do(t, http.MethodGet, "/api/ota/versions?include_inactive=maybe", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/ota/delete/"+key, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/ota/download/"+key, "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/ota/delete/"+key, "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTypesAndStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusCreated, env.upload(t, "blink.bin", "ESP32_LED_Blink", []byte("led")).StatusCode)

	resp := env.do(t, http.MethodGet, "/api/ota/firmware-types", "", nil)
	require.Equal(t, []string{"ESP32_LED_Blink", "ESP32_OTA_Base"}, decode[map[string][]string](t, resp)["firmware_types"])

	resp = env.do(t, http.MethodGet, "/api/ota/stats", "", nil)
	stats := decode[firmware.Stats](t, resp)
	require.Equal(t, 2, stats.TotalFirmwareVersions)
	require.Contains(t, stats.DeviceTypes, "ESP32_LED_Blink")

	resp = env.do(t, http.MethodGet, "/api/ota/assignments", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type fakePresigner struct{ ttl time.Duration }

func (f *fakePresigner) Presign(_ context.Context, a firmware.Artifact, ttl time.Duration) (string, time.Duration, error) {
	f.ttl = ttl
	return "https://s3.example.com/firmware/" + a.Filename, ttl, nil
}

type fakeAuditLog struct{ limit int }

func (f *fakeAuditLog) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	f.limit = limit
	return []audit.Entry{{ID: 1, Actor: "tester", Action: "firmware.upload", Obj: "k"}}, nil
}

func TestPresignAndAuditDisabled(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/ota/firmware/compiled_base/presign", "", nil).StatusCode)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/ota/audit", "", nil).StatusCode)
}

func TestPresignAndAuditEnabled(t *testing.T) {
	presigner := &fakePresigner{}
	auditLog := &fakeAuditLog{}
	env := newTestEnv(t, Config{}, WithPresigner(presigner), WithAuditLog(auditLog))
	require.Equal(t, http.StatusCreated, env.upload(t, "blink.bin", "ESP32_LED_Blink", []byte("led")).StatusCode)
	key := "ESP32_LED_Blink_20240102.120000"

	resp := env.do(t, http.MethodGet, "/api/ota/firmware/"+key+"/presign?ttl=120", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, "https://s3.example.com/firmware/"+key+".bin", body["url"])
	require.EqualValues(t, 120, body["expires_in"])
	require.Equal(t, 2*time.Minute, presigner.ttl)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/ota/firmware/compiled_base/presign", "", nil).StatusCode)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/ota/firmware/"+key+"/presign?ttl=-1", "", nil).StatusCode)

	resp = env.do(t, http.MethodGet, "/api/ota/audit?limit=10000", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, maxAuditLimit, auditLog.limit)
	require.Len(t, decode[map[string][]audit.Entry](t, resp)["events"], 1)
}

func TestReadiness(t *testing.T) {
	env := newTestEnv(t, Config{}, WithReadiness(func(context.Context) error { return errors.New("nats down") }))
	resp := env.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil).StatusCode)
}

func TestNewRequiresService(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}

func TestUploadIgnoresRequestTimeout(t *testing.T) {
	env := newTestEnv(t, Config{RequestTimeout: time.Nanosecond})
	content := bytes.Repeat([]byte{0xE9}, 64<<10)

	resp := env.upload(t, "blink.bin", "ESP32_LED_Blink", content)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/ota/download/ESP32_LED_Blink_20240102.120000", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
