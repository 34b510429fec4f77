package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxResponseSize = 16 << 20

type clientKey struct {
	tlsVerify bool
	certPath  string
}

// Client posts JSON to hub endpoints. It keeps one http.Client per TLS policy.
type Client struct {
	mu      sync.Mutex
	clients map[clientKey]*http.Client
	logger  *zap.Logger
	maxBody int64
}

func New(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.L()
	}
	return &Client{
		clients: make(map[clientKey]*http.Client),
		logger:  logger,
		maxBody: maxResponseSize,
	}
}

// CallService posts payload to /api/services/<domain>/<action>.
func (c *Client) CallService(ctx context.Context, ep Endpoint, domain, action string, payload map[string]any) (any, error) {
	if domain == "" || action == "" || strings.Contains(domain, "/") || strings.Contains(action, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidServiceName, domain+"/"+action)
	}
	return c.Post(ctx, ep, ServicePath(domain, action), payloadOrEmpty(payload))
}

// FireEvent posts payload to /api/events/<event>.
func (c *Client) FireEvent(ctx context.Context, ep Endpoint, event string, payload map[string]any) (any, error) {
	if event == "" || strings.Contains(event, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventName, event)
	}
	return c.Post(ctx, ep, EventPath(event), payloadOrEmpty(payload))
}

// Post sends body as JSON to path under the endpoint base URL and decodes the
// JSON answer. An empty answer decodes to nil.
func (c *Client) Post(ctx context.Context, ep Endpoint, path string, body any) (any, error) {
	url, err := ep.url(path)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	httpClient, err := c.httpClient(ep)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ep.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	for k, v := range ep.headers() {
		req.Header.Set(k, v)
	}

	requestID := uuid.NewString()
	start := time.Now()
	c.logger.Debug("dispatching request", zap.String("request_id", requestID), zap.String("path", path), zap.ByteString("body", data))

	res, err := httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("request_id", requestID), zap.Error(err))
		return nil, &NetworkError{Op: http.MethodPost, URL: url, Err: err}
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return nil, &NetworkError{Op: http.MethodPost, URL: url, Err: err}
	}
	if int64(len(resBody)) > c.maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrResponseTooLarge, c.maxBody, url)
	}
	c.logger.Debug("received response",
		zap.String("request_id", requestID),
		zap.Int("status", res.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &RemoteActionFailedError{Status: res.StatusCode, Body: string(resBody)}
	}
	if len(bytes.TrimSpace(resBody)) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(resBody, &out); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return out, nil
}

func (c *Client) httpClient(ep Endpoint) (*http.Client, error) {
	key := clientKey{tlsVerify: ep.TLSVerify, certPath: ep.CertPath}

	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[key]; ok {
		return hc, nil
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: !ep.TLSVerify,
	}
	if ep.CertPath != "" {
		pem, err := os.ReadFile(ep.CertPath)
		if err != nil {
			return nil, fmt.Errorf("reading certificate %s: %w", ep.CertPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", ep.CertPath)
		}
		tlsCfg.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	hc := &http.Client{Transport: transport}
	c.clients[key] = hc
	return hc, nil
}

func payloadOrEmpty(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return payload
}
