// Package httpexec performs the outbound calls of HTTP nodes. Clients are
// pooled per host so that every upstream gets its own connection pool.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxHosts     = 256
	DefaultIdlePerHost  = 16
	DefaultMaxBodyBytes = 10 << 20
)

var ErrInvalidRequest = errors.New("invalid http request")

type Request struct {
	Method      string
	URL         string
	Headers     map[string]string
	Query       map[string]string
	Body        any
	ContentType string
	Timeout     time.Duration
}

// Executor performs a request and returns the decoded response body: JSON
// documents decoded into generic values, anything else as a string.
type Executor interface {
	Execute(ctx context.Context, req *Request) (any, error)
}

// HTTPError is returned for responses with a status of 400 or above.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func IsHTTPError(err error) bool {
	var target *HTTPError

	return errors.As(err, &target)
}

type Config struct {
	Timeout      time.Duration
	MaxHosts     int
	IdlePerHost  int
	MaxBodyBytes int64
}

// Pooled keeps one client per scheme and host. Evicted clients have their
// idle connections closed.
type Pooled struct {
	config  Config
	clients *lru.Cache[string, *http.Client]
	logger  *slog.Logger
}

func NewPooled(config Config, logger *slog.Logger) (*Pooled, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	if config.MaxHosts <= 0 {
		config.MaxHosts = DefaultMaxHosts
	}

	if config.IdlePerHost <= 0 {
		config.IdlePerHost = DefaultIdlePerHost
	}

	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}

	logger = logger.With("module", "http_executor")

	clients, err := lru.NewWithEvict(config.MaxHosts, func(host string, client *http.Client) {
		client.CloseIdleConnections()
		logger.Debug("evicted http client", "host", host)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client pool: %w", err)
	}

	return &Pooled{config: config, clients: clients, logger: logger}, nil
}

func (p *Pooled) client(host string) *http.Client {
	if client, ok := p.clients.Get(host); ok {
		return client
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = p.config.IdlePerHost

	client := &http.Client{Transport: transport}

	// A concurrent caller may have added one meanwhile; keep theirs.
	if existing, ok, _ := p.clients.PeekOrAdd(host, client); ok {
		transport.CloseIdleConnections()

		return existing
	}

	return client
}

// Hosts returns the number of pooled clients.
func (p *Pooled) Hosts() int { return p.clients.Len() }

// Close drops every pooled client.
func (p *Pooled) Close() { p.clients.Purge() }

func (p *Pooled) Execute(ctx context.Context, req *Request) (any, error) {
	target, err := url.Parse(req.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidRequest, req.URL)
	}

	if len(req.Query) > 0 {
		query := target.Query()
		for k, v := range req.Query {
			query.Set(k, v)
		}

		target.RawQuery = query.Encode()
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(req.Body, req.ContentType)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.config.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	host := target.Scheme + "://" + target.Host
	started := time.Now()

	resp, err := p.client(host).Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, &models.TimeoutError{Channel: method + " " + host + target.Path, Duration: timeout}
		}

		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxBodyBytes))
	if err != nil {
		if isTimeout(err) {
			return nil, &models.TimeoutError{Channel: method + " " + host + target.Path, Duration: timeout}
		}

		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	p.logger.DebugContext(ctx, "http call finished",
		"method", method, "host", host, "status", resp.StatusCode, "duration", time.Since(started))

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	return decodeBody(payload), nil
}

func encodeBody(body any, contentType string) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, contentType, nil
	case string:
		if contentType == "" {
			contentType = "text/plain"
		}

		return strings.NewReader(v), contentType, nil
	case []byte:
		return bytes.NewReader(v), contentType, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("%w: body: %v", ErrInvalidRequest, err)
		}

		if contentType == "" {
			contentType = "application/json"
		}

		return bytes.NewReader(data), contentType, nil
	}
}

func decodeBody(payload []byte) any {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	var out any
	if json.Unmarshal(payload, &out) == nil {
		return out
	}

	return string(payload)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
