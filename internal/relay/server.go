// internal/relay/server.go
package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/config"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server exposes the relay to port-mode contexts over websockets.
//
//	GET /port/{context}      content and popup contexts of this extension
//	GET /external/{context}  web contexts, trusted by X-Extension-Id
//	GET /status              link counts
//	GET /tabs                registered tabs
type Server struct {
	relay    *Relay
	cfg      config.RelayConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer wires the HTTP surface of a relay.
func NewServer(relay *Relay, cfg config.RelayConfig, logger *zap.Logger) *Server {
	s := &Server{
		relay:  relay,
		cfg:    cfg,
		logger: logger.Named("relay_server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits clients with no Origin header (native processes) and those
// whose origin starts with one of the configured prefixes.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	s.logger.Warn("Rejected websocket origin.", zap.String("origin", origin))
	return false
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/port/{context}", s.handlePort)
	r.Get("/external/{context}", s.handleExternal)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Get("/status", s.handleStatus)
		r.Get("/tabs", s.handleTabs)
	})
	return r
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening.", zap.String("addr", s.cfg.Listen))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.relay.Close()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	c := schemas.ContextID(chi.URLParam(r, "context"))
	switch c {
	case schemas.ContextContent:
		targetID := r.Header.Get(transport.HeaderTargetID)
		if targetID == "" {
			http.Error(w, "missing "+transport.HeaderTargetID, http.StatusBadRequest)
			return
		}
		tab := s.relay.Tabs().Assign(targetID)
		s.serve(w, r, func(ctx context.Context, conn *transport.WSConn) (*Link, error) {
			return s.relay.ConnectContent(ctx, tab, conn), nil
		})
	case schemas.ContextPopup:
		s.serve(w, r, func(ctx context.Context, conn *transport.WSConn) (*Link, error) {
			return s.relay.ConnectPopup(ctx, conn), nil
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	if schemas.ContextID(chi.URLParam(r, "context")) != schemas.ContextWeb {
		http.NotFound(w, r)
		return
	}
	targetID := r.Header.Get(transport.HeaderTargetID)
	if targetID == "" {
		http.Error(w, "missing "+transport.HeaderTargetID, http.StatusBadRequest)
		return
	}
	extensionID := r.Header.Get(transport.HeaderExtensionID)
	tab := s.relay.Tabs().Assign(targetID)
	s.serve(w, r, func(ctx context.Context, conn *transport.WSConn) (*Link, error) {
		return s.relay.ConnectWeb(ctx, tab, extensionID, conn)
	})
}

// serve upgrades the request, binds the link and pumps inbound envelopes into
// the router until the socket closes.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, bind func(context.Context, *transport.WSConn) (*Link, error)) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed.", zap.Error(err))
		return
	}
	conn := transport.NewWSConn(ws, s.logger, s.cfg.WriteTimeout)
	ctx := r.Context()

	link, err := bind(ctx, conn)
	if err != nil {
		conn.Reject(err.Error())
		return
	}

	go s.keepAlive(conn)
	err = conn.ReadLoop(func(env *schemas.Envelope) {
		s.relay.Route(ctx, env, link)
	})
	if err != nil {
		s.logger.Debug("Link read loop ended.", zap.String("link", link.ID()), zap.Error(err))
	}
	s.relay.Disconnect(context.WithoutCancel(ctx), link)
}

func (s *Server) keepAlive(conn *transport.WSConn) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

type statusResponse struct {
	ExtensionID string `json:"extensionId"`
	Tabs        int    `json:"tabs"`
	Popup       bool   `json:"popup"`
	Pending     int    `json:"pending"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, statusResponse{
		ExtensionID: s.relay.ExtensionID(),
		Tabs:        len(s.relay.Tabs().RegisteredIDs()),
		Popup:       s.relay.Bound(schemas.ContextPopup, 0),
		Pending:     s.relay.Endpoint().Pending(),
	})
}

func (s *Server) handleTabs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.relay.TabsState())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response.", zap.Error(err))
	}
}
