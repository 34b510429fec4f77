package dispatch

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultAccessHeader = "x-access-key"
	DefaultTimeout      = 10 * time.Second
)

// Endpoint is the HTTP side of a namespace transport configuration.
type Endpoint struct {
	BaseURL      string
	AccessKey    string
	AccessHeader string
	TLSVerify    bool
	CertPath     string
	Timeout      time.Duration
}

func (e Endpoint) url(path string) (string, error) {
	if e.BaseURL == "" {
		return "", ErrNoEndpoint
	}
	return strings.TrimRight(e.BaseURL, "/") + path, nil
}

func (e Endpoint) headers() map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if e.AccessKey != "" {
		name := e.AccessHeader
		if name == "" {
			name = DefaultAccessHeader
		}
		headers[name] = e.AccessKey
	}
	return headers
}

func (e Endpoint) timeout() time.Duration {
	if e.Timeout <= 0 {
		return DefaultTimeout
	}
	return e.Timeout
}

// ParseService splits "domain/action". Exactly one separator is allowed and
// both halves must be non-empty.
func ParseService(service string) (domain, action string, err error) {
	parts := strings.Split(service, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidServiceName, service)
	}
	return parts[0], parts[1], nil
}

func ServicePath(domain, action string) string {
	return "/api/services/" + domain + "/" + action
}

func EventPath(event string) string {
	return "/api/events/" + event
}

func StatePath(entityID string) string {
	return "/api/states/" + entityID
}
