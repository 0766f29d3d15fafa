// Package proxy forwards everything that is not a relay endpoint to the
// inner web application, byte for byte. Plain HTTP goes through a
// reverse proxy guarded by a circuit breaker; WebSocket upgrades for
// non-relay paths are tunneled over a raw TCP connection.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"fleetdeck.gateway/internal/core/circuitbreaker"
	"fleetdeck.gateway/internal/core/logger"
)

const (
	dialTimeout   = 10 * time.Second
	flushInterval = 100 * time.Millisecond
)

type Proxy struct {
	upstreamAddr string
	reverse      *httputil.ReverseProxy
}

func New(upstreamAddr string) *Proxy {
	target := &url.URL{Scheme: "http", Host: upstreamAddr}

	reverse := httputil.NewSingleHostReverseProxy(target)
	reverse.FlushInterval = flushInterval
	reverse.Transport = &breakerTransport{
		base:    http.DefaultTransport,
		breaker: circuitbreaker.New("proxy-upstream"),
	}
	reverse.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		// Only reached before any bytes were written, so the client gets
		// a clean 502 rather than a truncated response.
		logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	return &Proxy{
		upstreamAddr: upstreamAddr,
		reverse:      reverse,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.tunnel(w, r)
		return
	}
	p.reverse.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// tunnel hijacks the client connection, replays the original request
// line and headers to the upstream, then pipes bytes both ways until
// either side closes.
func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", p.upstreamAddr, dialTimeout)
	if err != nil {
		logger.Warn("upstream dial failed for ws tunnel", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	// ResponseController reaches the Hijacker through wrapping middleware.
	client, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		upstream.Close()
		logger.Error("hijack failed", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	if err := r.Write(upstream); err != nil {
		client.Close()
		upstream.Close()
		logger.Warn("ws tunnel handshake replay failed", "path", r.URL.Path, "error", err)
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		// clientBuf may hold frames read ahead of the hijack.
		io.Copy(upstream, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done

	client.Close()
	upstream.Close()
}

// breakerTransport fails fast once the upstream has been rejecting
// requests, turning stampedes into immediate 502s instead of timeouts.
type breakerTransport struct {
	base    http.RoundTripper
	breaker *circuitbreaker.CircuitBreaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.breaker.Execute(req.Context(), func() error {
		var rtErr error
		resp, rtErr = t.base.RoundTrip(req)
		return rtErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// DialCheck reports whether the upstream accepts TCP connections. Used
// by readiness probes.
func (p *Proxy) DialCheck(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.upstreamAddr)
	if err != nil {
		return err
	}
	return conn.Close()
}
