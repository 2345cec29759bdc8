package bundler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"otad/services/firmware"
)

const apiPrefix = "/api/ota"

// APIError is a non-2xx response from the OTA API.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("ota api: %d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("ota api: %d: %s", e.Status, e.Message)
}

// Client talks to the otad HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	actor   string
}

// NewClient returns a Client for baseURL. actor is sent as X-Actor on mutating calls.
func NewClient(baseURL, actor string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{baseURL: baseURL, http: httpClient, actor: actor}, nil
}

// UploadResult is the API response to a committed upload.
type UploadResult struct {
	Key      string            `json:"firmware_key"`
	Version  string            `json:"version"`
	Firmware firmware.Artifact `json:"firmware"`
}

// Upload streams the firmware file at path to the API.
func (c *Client) Upload(ctx context.Context, path, deviceType, description string, autoAssign bool) (UploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return UploadResult{}, err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, file, filepath.Base(path), deviceType, description, autoAssign)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+"/upload", pr)
	if err != nil {
		pr.Close()
		return UploadResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResult
	if err := c.do(req, http.StatusCreated, &out); err != nil {
		pr.Close()
		return UploadResult{}, err
	}
	return out, nil
}

func writeUploadForm(mw *multipart.Writer, r io.Reader, filename, deviceType, description string, autoAssign bool) error {
	fields := map[string]string{
		"device_type": deviceType,
		"description": description,
		"auto_assign": strconv.FormatBool(autoAssign),
	}
	for _, name := range []string{"device_type", "description", "auto_assign"} {
		if err := mw.WriteField(name, fields[name]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("firmware", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}

// List returns the registry listing.
func (c *Client) List(ctx context.Context, deviceType string, includeInactive bool) ([]firmware.Artifact, error) {
	q := url.Values{}
	if deviceType != "" {
		q.Set("device_type", deviceType)
	}
	if includeInactive {
		q.Set("include_inactive", "true")
	}
	var out struct {
		Versions []firmware.Artifact `json:"firmware_versions"`
	}
	if err := c.get(ctx, "/firmware", q, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Stats returns the registry summary.
func (c *Client) Stats(ctx context.Context) (firmware.Stats, error) {
	var out firmware.Stats
	err := c.get(ctx, "/stats", nil, &out)
	return out, err
}

// Types returns the device types with active firmware.
func (c *Client) Types(ctx context.Context) ([]string, error) {
	var out struct {
		Types []string `json:"firmware_types"`
	}
	if err := c.get(ctx, "/firmware-types", nil, &out); err != nil {
		return nil, err
	}
	return out.Types, nil
}

// Force pins deviceID to the latest firmware of deviceType for its next poll.
func (c *Client) Force(ctx context.Context, deviceID, deviceType string) (firmware.Decision, error) {
	var out firmware.Decision
	err := c.sendJSON(ctx, http.MethodPost, "/force-update/"+url.PathEscape(deviceID), map[string]string{"firmware_type": deviceType}, &out)
	return out, err
}

// SetActive toggles an uploaded artifact.
func (c *Client) SetActive(ctx context.Context, key string, active bool) (firmware.Artifact, error) {
	var out firmware.Artifact
	err := c.sendJSON(ctx, http.MethodPut, "/firmware/"+url.PathEscape(key)+"/active", map[string]bool{"is_active": active}, &out)
	return out, err
}

// Delete removes an uploaded artifact.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+apiPrefix+"/firmware/"+url.PathEscape(key), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, http.StatusOK, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	target := c.baseURL + apiPrefix + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, http.StatusOK, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, http.StatusOK, out)
}

func (c *Client) do(req *http.Request, want int, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Kind = body.Kind
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
