package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HostedStoreConfig configures the hosted-service backend.
type HostedStoreConfig struct {
	// Endpoint is the hosted service's upload API origin.
	Endpoint string

	// APIKey authenticates uploads and deletes.
	APIKey string

	// BaseURL is the public origin the hosted service serves manifests
	// from. When empty, Endpoint is used.
	BaseURL string

	// Client overrides the default HTTP client. Optional.
	Client *http.Client

	Logger zerolog.Logger
}

// HostedStore routes blobs to a hosted SHL service over HTTPS PUT/DELETE.
// It is write-only: the hosted service runs its own access-control engine,
// so this backend never serves manifest requests locally.
type HostedStore struct {
	endpoint string
	apiKey   string
	baseURL  string
	client   *http.Client
	log      zerolog.Logger
}

// NewHostedStore validates the configuration and returns a HostedStore.
func NewHostedStore(cfg HostedStoreConfig) (*HostedStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("hosted store: endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("hosted store: invalid endpoint: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("hosted store: api key is required")
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = cfg.Endpoint
	}
	return &HostedStore{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   client,
		log:      cfg.Logger,
	}, nil
}

func (s *HostedStore) BaseURL() string { return s.baseURL }

func (s *HostedStore) Put(ctx context.Context, key string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.endpoint+"/"+key, bytes.NewReader(data))
	if err != nil {
		return &OpError{Op: "put", Key: key, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", contentTypeForKey(key))

	if err := s.do(req); err != nil {
		return &OpError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// DeletePrefix asks the hosted service to remove everything under prefix.
// A 404 means the prefix is already gone, which keeps revocation idempotent.
func (s *HostedStore) DeletePrefix(ctx context.Context, prefix string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.endpoint+"/"+strings.TrimSuffix(prefix, "/"), nil)
	if err != nil {
		return &OpError{Op: "delete", Key: prefix, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	if err := s.do(req); err != nil {
		return &OpError{Op: "delete", Key: prefix, Err: err}
	}
	return nil
}

func (s *HostedStore) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodDelete {
		return nil
	}
	if resp.StatusCode >= 300 {
		s.log.Warn().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Int("status", resp.StatusCode).
			Msg("hosted store request failed")
		return fmt.Errorf("hosted service returned %d", resp.StatusCode)
	}
	return nil
}
