package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// DefaultAPIVersion is the realtime API version used when none is
// configured.
const DefaultAPIVersion = "2024-10-01-preview"

// UpstreamDialer opens the model leg of a session.
type UpstreamDialer interface {
	DialUpstream(ctx context.Context) (Conn, error)
}

// AzureRealtimeDialer dials an Azure OpenAI realtime deployment over
// websocket.
type AzureRealtimeDialer struct {
	Endpoint   string
	Deployment string
	APIKey     string
	APIVersion string
	Dialer     *websocket.Dialer
}

func (d *AzureRealtimeDialer) DialUpstream(ctx context.Context) (Conn, error) {
	if d.Endpoint == "" {
		return nil, fmt.Errorf("realtime dialer: endpoint is required")
	}
	if d.Deployment == "" {
		return nil, fmt.Errorf("realtime dialer: deployment is required")
	}
	if d.APIKey == "" {
		return nil, fmt.Errorf("realtime dialer: api key is required")
	}

	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("realtime dialer: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("realtime dialer: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/openai/realtime"

	apiVersion := d.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	q := u.Query()
	q.Set("api-version", apiVersion)
	q.Set("deployment", d.Deployment)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("api-key", d.APIKey)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dialer: dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime dialer: dial %s: %w", u.Host, err)
	}
	return conn, nil
}
