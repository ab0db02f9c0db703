package sso

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// AlgorithmRS256 is the only signature algorithm accepted for id tokens.
const AlgorithmRS256 = "RS256"

// DefaultHTTPTimeout bounds the key endpoint request.
const DefaultHTTPTimeout = 10 * time.Second

// SigningKey is one entry of the provider key set.
type SigningKey struct {
	KeyID string
	// Certificate is the DER encoded X.509 certificate from x5c[0]. Empty
	// when the key entry had no certificate chain.
	Certificate []byte
	Algorithm   string
	// CertificateErr is set when x5c[0] could not be decoded.
	CertificateErr error
}

// KeySet is the ordered set of keys published by the provider.
type KeySet []SigningKey

// KeySetProvider fetches the signing keys currently published by the provider.
type KeySetProvider interface {
	FetchKeys(ctx context.Context, baseURI string) (KeySet, error)
}

// KeySetProviderFunc adapts a function to KeySetProvider.
type KeySetProviderFunc func(ctx context.Context, baseURI string) (KeySet, error)

// FetchKeys implements KeySetProvider.
func (f KeySetProviderFunc) FetchKeys(ctx context.Context, baseURI string) (KeySet, error) {
	return f(ctx, baseURI)
}

// HTTPKeySetProvider retrieves keys with a single GET on every call. Keys
// are never cached so a rotated key is picked up on the next attempt.
type HTTPKeySetProvider struct {
	client   *http.Client
	endpoint string
	logger   Logger
}

// HTTPKeySetOption configures the HTTP key provider.
type HTTPKeySetOption func(*HTTPKeySetProvider)

// WithKeySetHTTPClient overrides the HTTP client.
func WithKeySetHTTPClient(client *http.Client) HTTPKeySetOption {
	return func(p *HTTPKeySetProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithKeySetEndpoint overrides the path appended to the base uri.
func WithKeySetEndpoint(endpoint string) HTTPKeySetOption {
	return func(p *HTTPKeySetProvider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithKeySetLogger sets the logger.
func WithKeySetLogger(logger Logger) HTTPKeySetOption {
	return func(p *HTTPKeySetProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewHTTPKeySetProvider builds a key provider with a bounded HTTP client.
func NewHTTPKeySetProvider(opts ...HTTPKeySetOption) *HTTPKeySetProvider {
	p := &HTTPKeySetProvider{
		client:   &http.Client{Timeout: DefaultHTTPTimeout},
		endpoint: DefaultKeysEndpoint,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = normalizeLogger(p.logger)
	return p
}

type keyDocument struct {
	Keys *[]keyEntry `json:"keys"`
}

type keyEntry struct {
	Kid string   `json:"kid"`
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

// FetchKeys implements KeySetProvider.
func (p *HTTPKeySetProvider) FetchKeys(ctx context.Context, baseURI string) (KeySet, error) {
	url := keysURL(baseURI, p.endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, wrapCause(ErrKeyFetchFailed, err, map[string]any{"url": url})
	}

	res, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("signing key request failed", "url", url, "error", err)
		return nil, wrapCause(ErrKeyFetchFailed, err, map[string]any{"url": url})
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		p.logger.Warn("signing key endpoint returned error status", "url", url, "status", res.StatusCode)
		return nil, wrapCause(ErrKeyFetchFailed, fmt.Errorf("unexpected status %d", res.StatusCode), map[string]any{
			"url":    url,
			"status": res.StatusCode,
		})
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, wrapCause(ErrKeyFetchFailed, err, map[string]any{"url": url})
	}

	return parseKeyDocument(body)
}

func parseKeyDocument(body []byte) (KeySet, error) {
	var doc keyDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, wrapCause(ErrKeyFetchFailed, fmt.Errorf("decode key document: %w", err), nil)
	}
	if doc.Keys == nil {
		return nil, wrapCause(ErrKeyFetchFailed, fmt.Errorf("key document has no keys member"), nil)
	}

	keys := make(KeySet, 0, len(*doc.Keys))
	for _, entry := range *doc.Keys {
		key := SigningKey{KeyID: entry.Kid, Algorithm: entry.Alg}
		if len(entry.X5c) > 0 {
			// x5c is standard base64, not url safe
			der, err := base64.StdEncoding.DecodeString(entry.X5c[0])
			if err != nil {
				key.CertificateErr = fmt.Errorf("decode x5c certificate: %w", err)
			} else {
				key.Certificate = der
			}
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func keysURL(baseURI, endpoint string) string {
	if endpoint == "" {
		endpoint = DefaultKeysEndpoint
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasSuffix(baseURI, "/") {
		baseURI += "/"
	}
	return baseURI + strings.TrimPrefix(endpoint, "/")
}
