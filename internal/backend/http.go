package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response is kept in errors.
const maxErrorBody = 512

// HTTPBackend calls a JSON image generation endpoint.
type HTTPBackend struct {
	cfg    Config
	client *http.Client
}

type generateRequest struct {
	Prompt    string `json:"prompt"`
	Size      string `json:"size,omitempty"`
	Reference string `json:"reference_image,omitempty"`
}

type generateResponse struct {
	Image string `json:"image"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewHTTPBackend creates an HTTP backend. A nil client uses a client
// with cfg.Timeout.
func NewHTTPBackend(cfg Config, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPBackend{cfg: cfg, client: client}
}

// Generate posts the request and decodes the returned image.
func (b *HTTPBackend) Generate(ctx context.Context, req Request) (Response, error) {
	if b.cfg.Endpoint == "" {
		return Response{}, fmt.Errorf("%w: no endpoint", ErrNotConfigured)
	}
	if b.cfg.APIKey == "" {
		return Response{}, fmt.Errorf("%w: no API key", ErrNotConfigured)
	}

	body := generateRequest{Prompt: req.Prompt, Size: req.Size}
	if body.Size == "" {
		body.Size = b.cfg.Size
	}
	if len(req.Reference) > 0 {
		body.Reference = base64.StdEncoding.EncodeToString(req.Reference)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Response{}, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return Response{}, fmt.Errorf("%w: endpoint %s not found", ErrNotConfigured, b.cfg.Endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Response{}, &StatusError{Code: resp.StatusCode, Body: truncate(errorMessage(data), maxErrorBody)}
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if strings.HasPrefix(mediaType, "image/") {
		if len(data) == 0 {
			return Response{}, ErrNoImage
		}
		return Response{Image: data, ContentType: mediaType}, nil
	}

	var decoded generateResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Response{}, fmt.Errorf("generation rejected: %s", decoded.Error.Message)
	}
	if decoded.Image == "" {
		return Response{}, ErrNoImage
	}
	image, err := base64.StdEncoding.DecodeString(decoded.Image)
	if err != nil {
		return Response{}, fmt.Errorf("%w: image is not base64: %w", ErrMalformedResponse, err)
	}
	if len(image) == 0 {
		return Response{}, ErrNoImage
	}
	return Response{Image: image, ContentType: "image/png"}, nil
}

// Close releases idle connections.
func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// errorMessage extracts error.message from a JSON body, falling back to
// the raw body.
func errorMessage(data []byte) string {
	var decoded generateResponse
	if json.Unmarshal(data, &decoded) == nil && decoded.Error != nil && decoded.Error.Message != "" {
		return decoded.Error.Message
	}
	return strings.TrimSpace(string(data))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
