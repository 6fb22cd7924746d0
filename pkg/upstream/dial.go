// Package upstream opens vendor WebSocket connections.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicerelay/pkg/adapters"
	"github.com/harunnryd/voicerelay/pkg/errorsx"
	"github.com/harunnryd/voicerelay/pkg/logging"
	"github.com/harunnryd/voicerelay/pkg/resilience"
)

type Dialer struct {
	// ConnectTimeout bounds each attempt, TCP and WebSocket handshake
	// included.
	ConnectTimeout time.Duration
	Retry          resilience.RetryPolicy
	Logger         *slog.Logger
}

// Dial connects to the adapter's endpoint. Auth and rate limit rejections
// are not retried. Every failure carries the upstream_connect reason.
func (d Dialer) Dial(ctx context.Context, a adapters.Adapter) (*websocket.Conn, error) {
	logger := logging.NewComponentLogger(d.Logger, "upstream").With(slog.String("dialect", a.Dialect().String()))
	u, header, err := a.Endpoint()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	var conn *websocket.Conn
	attempt := 0
	err = d.Retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		c, resp, err := dialer.DialContext(attemptCtx, u, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			logger.Warn("upstream_dial_failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return classify(a.Dialect(), resp, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	logger.Info("upstream_connected", slog.Int("attempts", attempt))
	return conn, nil
}

func classify(d adapters.Dialect, resp *http.Response, err error) error {
	if resp == nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return resilience.Permanent(fmt.Errorf("%s rejected credentials: %s", d, resp.Status))
	case http.StatusTooManyRequests:
		return resilience.Permanent(resilience.RateLimitError{Provider: d.String(), Message: resp.Status})
	case http.StatusBadRequest, http.StatusNotFound:
		return resilience.Permanent(fmt.Errorf("%s refused connection: %s", d, resp.Status))
	}
	return fmt.Errorf("%s handshake failed: %s: %w", d, resp.Status, err)
}
