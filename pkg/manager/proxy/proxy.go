// Package proxy is the forwarding engine: it turns one verified, permitted
// inbound request plus a resolved bridge route into exactly one upstream
// call and relays the result without buffering.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pkglog "github.com/mautrix/manager/pkg/log"
	"github.com/mautrix/manager/pkg/manager/apierror"
	"github.com/mautrix/manager/pkg/manager/bridge"
	"github.com/mautrix/manager/pkg/manager/matrix"
	"github.com/mautrix/manager/pkg/manager/metrics"
)

const (
	// Only connection establishment is time-bounded; response bodies may
	// stream for as long as the bridge keeps sending.
	connectTimeout = 5 * time.Second
	proxyChunkSize = 32 * 1024
)

// Headers that must never cross the proxy boundary in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Engine executes upstream calls over a shared connection pool. It holds no
// per-request state; one Engine serves all bridges concurrently.
type Engine struct {
	client   *http.Client
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	metrics  *metrics.ProxyMetrics
	logger   pkglog.Logger

	mu          sync.Mutex
	unixClients map[string]*http.Client
}

// NewEngine constructs an engine with pooled transports.
func NewEngine(logger pkglog.Logger, proxyMetrics *metrics.ProxyMetrics) *Engine {
	if logger == nil {
		logger = pkglog.Shared()
	}

	netDialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         netDialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 10,
	}

	return &Engine{
		client: &http.Client{Transport: transport},
		dialer: &websocket.Dialer{
			NetDialContext:   netDialer.DialContext,
			HandshakeTimeout: connectTimeout,
		},
		upgrader: websocket.Upgrader{
			// The frontend may be served from a different origin than the
			// manager API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics:     proxyMetrics,
		logger:      logger,
		unixClients: make(map[string]*http.Client),
	}
}

// ResolveUserSegment applies the impersonation rules to a user/{id} path
// segment: "me" becomes the caller's own identity, anyone else requires the
// caller to be an admin.
func ResolveUserSegment(segment string, sender matrix.UserID, admin bool) (string, error) {
	if segment == "me" {
		return string(sender), nil
	}
	if segment != string(sender) && !admin {
		return "", apierror.ErrNoImpersonation
	}
	return segment, nil
}

// Forward relays one request to the bridge behind route. The caller's
// bearer token is replaced with the bridge's shared secret, and the
// caller's identity is injected as the user_id query parameter.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, route bridge.Route, subPath string, userID matrix.UserID) {
	if !route.Enabled() {
		apierror.Write(w, apierror.ErrBridgeDisabled)
		return
	}

	target := route.Upstream.JoinPath()
	if route.SubPath != "" {
		target = target.JoinPath(route.SubPath)
	}
	if subPath != "" {
		target = target.JoinPath(subPath)
	}

	e.relay(w, r, route.Name, target, forwardOptions{
		authorization: "Bearer " + route.Secret,
		userID:        userID,
	})
}

// ForwardRaw relays one request to target without secret substitution; the
// inbound Authorization and Host headers are scrubbed and nothing replaces
// them. Used for the docker admin proxy. A unix:// target is dialed over
// the named socket, with a placeholder host on the wire.
func (e *Engine) ForwardRaw(w http.ResponseWriter, r *http.Request, label string, target *url.URL, subPath string) {
	opts := forwardOptions{}
	if target.Scheme == "unix" {
		opts.client = e.unixClient(target.Path)
		target = &url.URL{Scheme: "http", Host: "docker"}
	}

	full := target.JoinPath()
	if subPath != "" {
		full = full.JoinPath(subPath)
	}
	e.relay(w, r, label, full, opts)
}

// unixClient returns a pooled client that dials the given socket path no
// matter what host the request names.
func (e *Engine) unixClient(socketPath string) *http.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	if client, ok := e.unixClients[socketPath]; ok {
		return client
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}}
	e.unixClients[socketPath] = client
	return client
}

type forwardOptions struct {
	// authorization replaces the inbound Authorization header on the
	// upstream request; empty means the header is dropped entirely.
	authorization string
	// userID, when set, is injected as the user_id query parameter,
	// overwriting any caller-supplied value.
	userID matrix.UserID
	// client overrides the engine's pooled client, used for unix-socket
	// targets.
	client *http.Client
}

func (e *Engine) relay(w http.ResponseWriter, r *http.Request, label string, target *url.URL, opts forwardOptions) {
	query := r.URL.Query()
	if opts.userID != "" {
		query.Set("user_id", string(opts.userID))
	}
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		e.logger.Errorw("failed to build upstream request", "bridge", label, "error", err)
		apierror.Write(w, apierror.ErrUnknown)
		return
	}
	req.ContentLength = r.ContentLength

	req.Header = r.Header.Clone()
	for _, header := range hopByHopHeaders {
		req.Header.Del(header)
	}
	req.Header.Del("Authorization")
	if opts.authorization != "" {
		req.Header.Set("Authorization", opts.authorization)
	}

	client := e.client
	if opts.client != nil {
		client = opts.client
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		e.metrics.Failure(label)
		e.logger.Errorw("failed to proxy request", "bridge", label, "error", err, "url", target.Redacted())
		apierror.Write(w, apierror.ErrBridgeUnreachable)
		return
	}
	defer resp.Body.Close()

	headers := w.Header()
	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		headers[key] = values
	}
	w.WriteHeader(resp.StatusCode)

	e.metrics.Observe(label, resp.StatusCode, time.Since(start))

	e.stream(w, resp.Body)
}

// stream copies the upstream body to the caller chunk by chunk, flushing
// after each write so long-polling and streaming responses are relayed as
// they arrive. A caller disconnect surfaces as a write error, which ends
// the copy and (via the deferred body close) tears down the upstream read.
func (e *Engine) stream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, proxyChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func isHopByHop(key string) bool {
	for _, header := range hopByHopHeaders {
		if http.CanonicalHeaderKey(key) == header {
			return true
		}
	}
	return false
}
