package poemapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxErrorBody = 512

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("poem api base url is empty")
	}
	if opts.HTTPClient == nil {
		return nil, errors.New("http client is nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: opts.HTTPClient,
		logger:     logger,
	}, nil
}

func (c *Client) AnalyzeImage(ctx context.Context, req AnalyzeRequest) (AnalyzeResponse, error) {
	var (
		body        io.Reader
		contentType string
	)

	switch {
	case len(req.Data) > 0:
		buf, ct, err := multipartImage(req)
		if err != nil {
			return AnalyzeResponse{}, err
		}
		body, contentType = buf, ct
	case strings.TrimSpace(req.DataURI) != "":
		raw, err := json.Marshal(map[string]string{"image": req.DataURI})
		if err != nil {
			return AnalyzeResponse{}, fmt.Errorf("marshal request: %w", err)
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	default:
		return AnalyzeResponse{}, errors.New("analyze image: no image data")
	}

	var out AnalyzeResponse
	if err := c.do(ctx, http.MethodPost, "/analyze-image", body, contentType, &out); err != nil {
		return AnalyzeResponse{}, err
	}
	return out, nil
}

func (c *Client) GeneratePoem(ctx context.Context, req GeneratePoemRequest) (GeneratePoemResponse, error) {
	if req.Emphasis == nil {
		req.Emphasis = []string{}
	}
	var out GeneratePoemResponse
	if err := c.doJSON(ctx, http.MethodPost, "/generate-poem", req, &out); err != nil {
		return GeneratePoemResponse{}, err
	}
	return out, nil
}

func (c *Client) CreateFinalImage(ctx context.Context, req CreateFinalImageRequest) (CreateFinalImageResponse, error) {
	var raw struct {
		FinalImage string `json:"finalImage"`
		ShareCode  string `json:"shareCode"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/create-final-image", req, &raw); err != nil {
		return CreateFinalImageResponse{}, err
	}

	img, err := decodeImagePayload(raw.FinalImage)
	if err != nil {
		return CreateFinalImageResponse{}, fmt.Errorf("decode final image: %w", err)
	}

	return CreateFinalImageResponse{
		FinalImage: img,
		ShareCode:  strings.TrimSpace(raw.ShareCode),
	}, nil
}

func (c *Client) AvailablePoemTypes(ctx context.Context) (Catalog, error) {
	return c.catalog(ctx, "/api/available-poem-types", "poem_types")
}

func (c *Client) AvailableFrames(ctx context.Context) (Catalog, error) {
	return c.catalog(ctx, "/api/available-frames", "frames")
}

func (c *Client) AvailablePoemLengths(ctx context.Context) (Catalog, error) {
	return c.catalog(ctx, "/api/available-poem-lengths", "poem_lengths")
}

func (c *Client) CheckAccess(ctx context.Context, featureType, featureID string) (AccessResponse, error) {
	req := map[string]string{"type": featureType, "id": featureID}
	var out AccessResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/check-access", req, &out); err != nil {
		return AccessResponse{}, err
	}
	return out, nil
}

func (c *Client) catalog(ctx context.Context, path, key string) (Catalog, error) {
	var raw map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, "", &raw); err != nil {
		return Catalog{}, err
	}

	var out Catalog
	if v, ok := raw["is_premium"]; ok {
		if err := json.Unmarshal(v, &out.IsPremium); err != nil {
			return Catalog{}, fmt.Errorf("decode is_premium: %w", err)
		}
	}
	if v, ok := raw[key]; ok {
		if err := json.Unmarshal(v, &out.Features); err != nil {
			return Catalog{}, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(body), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("content-type", contentType)
	}
	httpReq.Header.Set("accept", "application/json")
	requestID := uuid.NewString()
	httpReq.Header.Set("x-request-id", requestID)

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("poem api request failed", "path", path, "request_id", requestID, "err", err)
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("poem api", "method", method, "path", path, "status", httpResp.StatusCode,
		"request_id", requestID, "dur_ms", time.Since(start).Milliseconds())

	// An {"error": "..."} body wins over the status code.
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(rawBody, &envelope) == nil && strings.TrimSpace(envelope.Error) != "" {
		return &APIError{Status: httpResp.StatusCode, Message: strings.TrimSpace(envelope.Error)}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &StatusError{Status: httpResp.StatusCode, Body: truncate(strings.TrimSpace(string(rawBody)), maxErrorBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func multipartImage(req AnalyzeRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = "image"
	}
	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("multipart: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, "", fmt.Errorf("multipart: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func decodeImagePayload(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty image payload")
	}
	if strings.HasPrefix(value, "data:") {
		if idx := strings.IndexByte(value, ','); idx >= 0 {
			value = value[idx+1:]
		}
	}
	return base64.StdEncoding.DecodeString(value)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
