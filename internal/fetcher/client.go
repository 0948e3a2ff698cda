package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/utils"
)

// Client is a stealth HTTP client using tls-client. It is stateless
// across calls and safe for concurrent reuse.
type Client struct {
	tlsClient    tls_client.HttpClient
	userAgent    string
	authToken    string
	authHost     string
	retrier      *Retrier
	cache        domain.Cache
	cacheEnabled bool
	cacheTTL     time.Duration
}

// ClientOptions contains options for creating a Client
type ClientOptions struct {
	Timeout     time.Duration
	MaxRetries  int
	Backoff     RetrierOptions
	EnableCache bool
	CacheTTL    time.Duration
	Cache       domain.Cache
	UserAgent   string
	ProxyURL    string
	// AuthToken is sent as a bearer Authorization header, but only to
	// AuthHost, so a source API credential never leaks to scraped pages
	AuthToken string
	AuthHost  string
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		Backoff:     DefaultRetrierOptions(),
		EnableCache: false,
		CacheTTL:    1 * time.Hour,
	}
}

// NewClient creates a new HTTP client
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	tlsOpts := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(opts.Timeout.Seconds())),
		tls_client.WithClientProfile(profiles.Chrome_131),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithNotFollowRedirects(),
	}
	if opts.ProxyURL != "" {
		tlsOpts = append(tlsOpts, tls_client.WithProxyUrl(opts.ProxyURL))
	}

	tlsClient, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), tlsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tls client: %w", err)
	}

	backoffOpts := opts.Backoff
	backoffOpts.MaxRetries = opts.MaxRetries

	return &Client{
		tlsClient:    tlsClient,
		userAgent:    opts.UserAgent,
		authToken:    opts.AuthToken,
		authHost:     strings.ToLower(opts.AuthHost),
		retrier:      NewRetrier(backoffOpts),
		cache:        opts.Cache,
		cacheEnabled: opts.EnableCache,
		cacheTTL:     opts.CacheTTL,
	}, nil
}

// Get fetches content from a URL
func (c *Client) Get(ctx context.Context, url string) (*domain.Response, error) {
	return c.GetWithHeaders(ctx, url, nil)
}

// GetWithHeaders fetches content with custom headers
func (c *Client) GetWithHeaders(ctx context.Context, url string, extraHeaders map[string]string) (*domain.Response, error) {
	if c.cacheEnabled && c.cache != nil {
		if cached, err := c.getFromCache(ctx, url); err == nil && cached != nil {
			return cached, nil
		}
	}

	resp, err := RetryWithValue(ctx, c.retrier, func() (*domain.Response, error) {
		return c.doRequest(ctx, url, extraHeaders)
	})
	if err != nil {
		return nil, err
	}

	if c.cacheEnabled && c.cache != nil && resp != nil {
		_ = c.saveToCache(ctx, url, resp)
	}

	return resp, nil
}

// doRequest performs the actual HTTP request
func (c *Client) doRequest(ctx context.Context, targetURL string, extraHeaders map[string]string) (*domain.Response, error) {
	req, err := fhttp.NewRequestWithContext(ctx, fhttp.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range StealthHeaders(c.userAgent) {
		req.Header.Set(k, v)
	}
	if c.authToken != "" && utils.Host(targetURL) == c.authHost {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.tlsClient.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			// Cancellation is the caller's decision, not a timeout
			if errors.Is(cerr, context.Canceled) {
				return nil, cerr
			}
			return nil, domain.ErrTimeout
		}
		return nil, &domain.RetryableError{
			Err: domain.NewFetchError(targetURL, 0, fmt.Errorf("request failed: %w", err)),
		}
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode >= 400 {
		if ShouldRetryStatus(resp.StatusCode) {
			return nil, &domain.RetryableError{
				Err:        domain.NewFetchError(targetURL, resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)),
				RetryAfter: int(ParseRetryAfter(resp.Header.Get("Retry-After")).Seconds()),
			}
		}
		return nil, domain.NewFetchError(targetURL, resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	httpHeaders := make(http.Header)
	for k, v := range resp.Header {
		httpHeaders[k] = v
	}

	return &domain.Response{
		StatusCode:  resp.StatusCode,
		Body:        body,
		Headers:     httpHeaders,
		ContentType: resp.Header.Get("Content-Type"),
		URL:         targetURL,
		Elapsed:     elapsed,
	}, nil
}

// Close releases client resources
func (c *Client) Close() error {
	return nil
}

type cachedResponse struct {
	StatusCode  int    `json:"status_code"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

func (c *Client) getFromCache(ctx context.Context, url string) (*domain.Response, error) {
	data, err := c.cache.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, domain.ErrCacheMiss
	}
	return &domain.Response{
		StatusCode:  cached.StatusCode,
		Body:        cached.Body,
		ContentType: cached.ContentType,
		URL:         url,
		FromCache:   true,
		Elapsed:     time.Duration(cached.ElapsedMS) * time.Millisecond,
	}, nil
}

func (c *Client) saveToCache(ctx context.Context, url string, resp *domain.Response) error {
	data, err := json.Marshal(cachedResponse{
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
		ContentType: resp.ContentType,
		ElapsedMS:   resp.Elapsed.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, url, data, c.cacheTTL)
}
