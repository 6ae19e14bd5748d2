package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pranavjoshi/VoiceGuard/internal/model"
)

const DefaultBaseURL = "http://127.0.0.1:8000"

// Client talks to the external inference engine over HTTP. The engine does
// all audio decoding and analysis; the gateway only forwards payloads. Each
// call is a single attempt with no retry: an unreachable or failing engine
// aborts the operation.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed sends an audio file to the engine and returns its voice embedding.
func (c *Client) Embed(ctx context.Context, filename string, audio io.Reader) ([]float64, error) {
	body, contentType, err := multipartBody(map[string]string{}, "file", filename, audio)
	if err != nil {
		return nil, err
	}

	respBody, err := c.post(ctx, "/embed", contentType, body)
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("engine returned an empty embedding")
	}
	return resp.Embedding, nil
}

type scanURLRequest struct {
	AudioURL string `json:"audioUrl"`
	UserID   string `json:"userId"`
	FileName string `json:"fileName,omitempty"`
}

// ScanURL asks the engine to download and analyze a remote audio URL.
func (c *Client) ScanURL(ctx context.Context, audioURL, userID string) (*model.ScanOutcome, error) {
	payload, err := json.Marshal(scanURLRequest{AudioURL: audioURL, UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("encoding scan request: %w", err)
	}

	respBody, err := c.post(ctx, "/scan", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var outcome model.ScanOutcome
	if err := json.Unmarshal(respBody, &outcome); err != nil {
		return nil, fmt.Errorf("decoding scan response: %w", err)
	}
	return &outcome, nil
}

// ScanUpload sends uploaded audio bytes to the engine for analysis.
func (c *Client) ScanUpload(ctx context.Context, filename, userID string, audio io.Reader) (*model.ScanOutcome, error) {
	body, contentType, err := multipartBody(map[string]string{"userId": userID}, "file", filename, audio)
	if err != nil {
		return nil, err
	}

	respBody, err := c.post(ctx, "/scan-upload", contentType, body)
	if err != nil {
		return nil, err
	}

	var outcome model.ScanOutcome
	if err := json.Unmarshal(respBody, &outcome); err != nil {
		return nil, fmt.Errorf("decoding scan-upload response: %w", err)
	}
	return &outcome, nil
}

// post performs one request and returns the response body. Non-2xx statuses
// become errors carrying the engine's own message.
func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building engine request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling engine %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading engine response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("engine %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// multipartBody builds a multipart form with the given fields plus one file
// part. Returns the body and its Content-Type (which carries the boundary).
func multipartBody(fields map[string]string, fileField, filename string, file io.Reader) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("writing form field %s: %w", name, err)
		}
	}

	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("copying file into form: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finalizing form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
