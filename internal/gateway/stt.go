package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Transcriber converts a voice recording into text.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path string) (string, error)
}

const (
	defaultSTTTimeout = 30 * time.Second

	// sttTranscribePath is appended to the STT base URL.
	sttTranscribePath = "/transcribe_audio"
)

type sttResponse struct {
	Transcript string `json:"transcript"`
}

// STTClient is the HTTP implementation of Transcriber, talking to a
// speaking-service style proxy: multipart upload, JSON transcript back.
type STTClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSTTClient creates an STT client. Returns nil when baseURL is empty;
// callers treat a nil Transcriber as transcription disabled.
func NewSTTClient(baseURL, apiKey string, timeout time.Duration) *STTClient {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultSTTTimeout
	}
	return &STTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// TranscribeFile uploads the audio file and returns the transcript. An empty
// path is a silent no-op so callers need not special-case failed downloads.
func (c *STTClient) TranscribeFile(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("stt: open audio file %q: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("stt: create form file field: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("stt: write audio bytes to form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	url := c.baseURL + sttTranscribePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	slog.Debug("calling stt proxy", "url", url, "file", filepath.Base(path))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var result sttResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: parse response JSON: %w", err)
	}
	return result.Transcript, nil
}
