package intake

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// HTTPFileStorage fetches uploaded files from their storage URLs
type HTTPFileStorage struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewHTTPFileStorage creates a fetcher that refuses files larger than maxBytes
func NewHTTPFileStorage(maxBytes int64, timeout time.Duration) *HTTPFileStorage {
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFileStorage{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// Fetch downloads one uploaded file
func (s *HTTPFileStorage) Fetch(ctx context.Context, rawURL string) (*domain.StoredFile, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("invalid file url %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create file request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, domain.ProviderFailure("file storage", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("uploaded file not found: %s", rawURL))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, domain.ProviderFailure("file storage", fmt.Errorf("file storage returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, domain.ProviderFailure("file storage", fmt.Errorf("failed to read file: %w", err))
	}
	if int64(len(data)) > s.maxBytes {
		return nil, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("uploaded file exceeds %d bytes: %s", s.maxBytes, rawURL))
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	} else {
		contentType = ""
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}

	return &domain.StoredFile{URL: rawURL, ContentType: contentType, Data: data}, nil
}
