package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/sysm/internal/templates"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Listen         string
	AllowedOrigins []string // empty allows same-host origins and non-browser clients

	// TrustProxy takes the client address from X-Forwarded-For and X-Real-IP.
	// Only enable it behind a reverse proxy that sets those headers.
	TrustProxy bool
}

// Server serves the websocket endpoint and the read-only status API.
type Server struct {
	opts       ServerOptions
	hub        *Hub
	log        zerolog.Logger
	router     *chi.Mux
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer creates a server for h.
func NewServer(h *Hub, opts ServerOptions, log zerolog.Logger) *Server {
	s := &Server{
		opts: opts,
		hub:  h,
		log:  log.With().Str("component", "server").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if s.opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Get("/apps/{appID}", s.handleStatusPage)

	r.Route("/api", func(r chi.Router) {
		r.Get("/apps", s.handleGetApps)
		r.Get("/apps/{appID}", s.handleGetApp)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.renderPage(w, r, http.StatusNotFound, templates.NotFoundPage(""))
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs every request once it is done.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := s.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.log.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), origins on the configured list, and same-host origins when no
// list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.opts.AllowedOrigins) > 0 {
		for _, allowed := range s.opts.AllowedOrigins {
			if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
				return true
			}
		}
		s.log.Warn().Str("origin", origin).Msg("rejected websocket origin")
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}
	client := newClient(s.hub, conn, remote)
	client.log.Debug().Str("remote", r.RemoteAddr).Msg("connection opened")

	s.hub.pumps.Add(1)
	client.start()
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"hub":    s.hub.Stats(),
	})
}

func (s *Server) handleGetApps(w http.ResponseWriter, _ *http.Request) {
	apps := s.hub.Applications()
	out := make([]any, 0, len(apps))
	for _, app := range apps {
		out = append(out, app.State(false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	app := s.hub.Application(appID)
	if app == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrUnknownApp.Error()})
		return
	}
	writeJSON(w, http.StatusOK, app.State(false))
}

// handleStatusPage renders the public state of an application as HTML.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	app := s.hub.Application(appID)
	if app == nil {
		s.renderPage(w, r, http.StatusNotFound, templates.NotFoundPage(appID))
		return
	}

	st := app.State(false)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Str("app", appID).Msg("failed to encode state")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.renderPage(w, r, http.StatusOK, templates.StatusPage(st, string(data)))
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, code int, page templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := page.Render(r.Context(), w); err != nil {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("failed to render page")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is canceled, then shuts down gracefully and closes
// every websocket connection.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("starting server")
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by http.Server
	s.hub.CloseAll()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// publisher disconnects still update application state
	if err := s.hub.Wait(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("connections did not finish before shutdown timeout")
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
