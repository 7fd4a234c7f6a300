package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
)

const (
	// defaultHTTPTimeout bounds a single delivery request.
	defaultHTTPTimeout = 30 * time.Second
	// maxRetryAfter caps the server-requested wait on 429 responses.
	maxRetryAfter = 60 * time.Second
)

// OAuthConfig enables the OAuth2 client credentials flow for the HTTP sink.
type OAuthConfig struct {
	TokenURL     string   `json:"token_url" yaml:"token_url" validate:"required,url"`
	ClientID     string   `json:"client_id" yaml:"client_id" validate:"required"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret" validate:"required"` //nolint:gosec // Configuration field
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// HTTPConfig configures delivery of segments to an HTTP endpoint.
type HTTPConfig struct {
	URL        string        `json:"url" yaml:"url" validate:"required,url"`
	APIKey     string        `json:"api_key,omitempty" yaml:"api_key,omitempty"` //nolint:gosec // Configuration field
	OAuth      *OAuthConfig  `json:"oauth,omitempty" yaml:"oauth,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"gte=0,lte=10"`
}

// HTTPSink posts each segment as multipart/form-data: a "file" part with the
// WAV audio plus one field per segment attribute.
type HTTPSink struct {
	cfg        HTTPConfig
	httpClient *http.Client
	baseClient *http.Client
	retryWait  time.Duration
}

// NewHTTPSink returns a sink posting to cfg.URL. With OAuth configured every
// request carries a client credentials token.
func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http sink: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = types.MaxSinkRetries
	}

	baseClient := &http.Client{Timeout: cfg.Timeout}
	httpClient := baseClient
	if cfg.OAuth != nil {
		conf := &clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		// Token requests use the same timeout as deliveries.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, baseClient)
		httpClient = conf.Client(ctx)
	}

	return &HTTPSink{
		cfg:        cfg,
		httpClient: httpClient,
		baseClient: baseClient,
		retryWait:  types.InitialRetryDelay,
	}, nil
}

// Write implements Sink. Rate limiting and transient server errors are
// retried with backoff; other failures are returned immediately.
func (s *HTTPSink) Write(ctx context.Context, seg *segment.Segment) error {
	audio, err := EncodeWAV(seg)
	if err != nil {
		return err
	}
	body, contentType, err := multipartBody(seg, audio)
	if err != nil {
		return fmt.Errorf("create multipart request: %w", err)
	}

	backoff := util.NewBackoff(s.retryWait, types.MaxRetryDelay)
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Wait(ctx); err != nil {
				return fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
		}

		retry, wait, err := s.post(ctx, body, contentType)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		if wait > 0 {
			if err := sleepContext(ctx, min(wait, maxRetryAfter)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// post performs one delivery. It reports whether the failure is retryable
// and any server-requested wait.
func (s *HTTPSink) post(ctx context.Context, body []byte, contentType string) (bool, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" && s.cfg.OAuth == nil {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, 0, ctx.Err()
		}
		return true, 0, fmt.Errorf("send request: %w", err)
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		var wait time.Duration
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			wait = time.Duration(seconds) * time.Second
		}
		return true, wait, fmt.Errorf("endpoint rate limited (429): %s", util.ExtractLastError(string(respBody)))
	case resp.StatusCode == http.StatusInternalServerError, resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusGatewayTimeout:
		return true, 0, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, util.ExtractLastError(string(respBody)))
	default:
		return false, 0, fmt.Errorf("endpoint error %d: %s", resp.StatusCode, util.ExtractLastError(string(respBody)))
	}
}

// multipartBody builds the form body for one segment.
func multipartBody(seg *segment.Segment, audio []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", SegmentFilename("", seg))
	if err != nil {
		return nil, "", err
	}
	if _, err := fileWriter.Write(audio); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"segment_id", seg.ID},
		{"start_ms", strconv.FormatInt(seg.Start.Milliseconds(), 10)},
		{"end_ms", strconv.FormatInt(seg.End.Milliseconds(), 10)},
		{"duration", fmt.Sprintf("%.3f", seg.Duration().Seconds())},
		{"sample_rate", strconv.Itoa(seg.Format.SampleRate)},
		{"channels", strconv.Itoa(seg.Format.Channels)},
		{"frames", strconv.Itoa(seg.Frames)},
		{"created_at", seg.CreatedAt.UTC().Format(time.RFC3339)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close implements Sink.
func (s *HTTPSink) Close() error {
	s.baseClient.CloseIdleConnections()
	return nil
}
