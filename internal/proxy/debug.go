package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// DebugHandler reverse-proxies a request to runId's live proxy container over
// its unix socket, so an operator can probe /health (or any other endpoint
// the in-container proxy exposes) without execing into the container. Most
// traffic to the per-run proxy never goes through this core process — the
// in-container agent talks to it directly — this handler exists purely for
// operational introspection.
func (m *Manager) DebugHandler(runID string) (http.Handler, error) {
	m.mu.Lock()
	instance, ok := m.live[runID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	target := &url.URL{Scheme: "http", Host: "unix"}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", instance.UnixSocketPath)
		},
	}
	return rp, nil
}
