package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"docsync/cmd/internal/document"
	"docsync/cmd/internal/metrics"

	"github.com/coder/websocket"
)

const (
	// WSSubprotocol is the subprotocol clients must offer on /ws.
	WSSubprotocol = "docsync.v1"

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	// AllowedOrigins is the Origin allow-list; "*" allows any origin.
	AllowedOrigins []string
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// InsecureSkipVerify disables websocket.Accept's own origin check. Dev only.
	InsecureSkipVerify bool

	MaxFrameBytes int
	Session       SessionConfig
}

// WSGateway is the WebSocket entrypoint for browser editor shells.
//
// Each upgraded connection runs the same Session state machine as TCP clients,
// against the same Registry.
type WSGateway struct {
	log      *slog.Logger
	registry *document.Registry
	metrics  metrics.Collector

	originRequired bool
	allowedOrigins []string
	insecure       bool

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	maxFrameBytes int
	session       SessionConfig
}

// NewWSGateway constructs a gateway. An empty allow-list selects localhost only.
func NewWSGateway(log *slog.Logger, registry *document.Registry, m metrics.Collector, cfg WSConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}

	allowed := cleanOrigins(cfg.AllowedOrigins)
	if len(allowed) == 0 {
		allowed = cleanOrigins(strings.Split(wsDefaultAllowedOrigins, ","))
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}

	return &WSGateway{
		log:            log,
		registry:       registry,
		metrics:        metrics.OrNoop(m),
		originRequired: cfg.OriginRequired,
		allowedOrigins: allowed,
		insecure:       cfg.InsecureSkipVerify,
		// websocket.Accept enforces its own origin policy, so derive host
		// patterns from the allow-list to keep the two layers in agreement.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(allowed),
		maxFrameBytes:  cfg.MaxFrameBytes,
		session:        cfg.Session,
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request and runs a Session until the peer leaves
// or the request context ends.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{WSSubprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.insecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}

	if sp := ws.Subprotocol(); sp != WSSubprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", WSSubprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	id, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return
	}

	conn := newWSConn(ws, r.RemoteAddr, g.maxFrameBytes, g.session.WriteTimeout)
	sess := NewSession(id, conn, g.registry, g.log, g.metrics, g.session)
	if err := sess.Run(r.Context()); err != nil {
		g.log.Debug("ws.session.end", "session_id", id, "close_status", websocket.CloseStatus(err), "err", err)
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		if a == "*" {
			return nil
		}
		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted unique hosts of allowed.
// websocket.Accept matches OriginPatterns against the origin host with filepath.Match.
// A "*" entry yields the "*" pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func cleanOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
