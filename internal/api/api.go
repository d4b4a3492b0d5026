package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"landrop/internal/config"
	"landrop/internal/events"
	"landrop/internal/registry"
	"landrop/internal/storage"
	"landrop/internal/transfer"
)

var ErrRunning = errors.New("server already running")

// Refresher re-runs discovery on demand.
type Refresher interface {
	Burst() error
}

type Server struct {
	config   config.Config
	store    *storage.Store
	registry *registry.Registry
	bus      *events.Bus
	disc     Refresher
	transfer *transfer.Client
	localIP  string

	wsClients map[*websocket.Conn]bool
	wsMu      sync.Mutex

	mu        sync.Mutex
	srv       *http.Server
	addr      net.Addr
	stopPump  func()
	sends     context.Context
	stopSends context.CancelFunc
}

func NewServer(
	cfg config.Config,
	store *storage.Store,
	reg *registry.Registry,
	bus *events.Bus,
	localIP string,
) *Server {
	s := &Server{
		config:    cfg,
		store:     store,
		registry:  reg,
		bus:       bus,
		localIP:   localIP,
		wsClients: make(map[*websocket.Conn]bool),
	}
	s.sends, s.stopSends = context.WithCancel(context.Background())
	return s
}

// sendContext bounds sends started through /api/send; Stop cancels it.
func (s *Server) sendContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// SetDiscovery wires the discovery service, which is started after the
// server so it can announce the bound port.
func (s *Server) SetDiscovery(d Refresher) { s.disc = d }

// SetTransfer wires the outgoing transfer client.
func (s *Server) SetTransfer(t *transfer.Client) { s.transfer = t }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Peer facing
	mux.HandleFunc("/api/info", s.handleInfo)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/download", s.handleDownload)
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/thumb", s.handleThumb)

	// Local UI only
	mux.HandleFunc("/api/devices", s.localOnly(s.handleDevices))
	mux.HandleFunc("/api/refresh", s.localOnly(s.handleRefresh))
	mux.HandleFunc("/api/transfers", s.localOnly(s.handleTransfers))
	mux.HandleFunc("/api/send", s.localOnly(s.handleSend))
	mux.HandleFunc("/ws", s.localOnly(s.handleWS))

	return mux
}

// Start binds the HTTP port and serves in the background. A bind error is
// returned to the caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", s.config.HTTPPort, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	feed, cancel := s.bus.Subscribe(64)
	go s.pump(feed)

	s.srv = srv
	s.addr = ln.Addr()
	s.stopPump = cancel
	if s.sends.Err() != nil {
		s.sends, s.stopSends = context.WithCancel(context.Background())
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[WARN] transfer server: %v", err)
		}
	}()
	log.Printf("[INFO] transfer server listening on %s", ln.Addr())
	return nil
}

// Stop shuts the server down gracefully. Uploads still running when ctx
// expires are cut off and never reach the index.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.stopPump
	s.srv, s.addr, s.stopPump = nil, nil, nil
	s.stopSends()
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	cancel()
	s.closeWS()

	err := srv.Shutdown(ctx)
	if err != nil {
		srv.Close()
	}
	return err
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Addr is the bound address, nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Port is the bound TCP port, or the configured one when stopped.
func (s *Server) Port() int {
	if a, ok := s.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return s.config.HTTPPort
}

// ---- Middleware ----

// localOnly keeps the UI routes (which can read local files and steer
// discovery) away from other hosts and from pages of other sites open in a
// local browser. Host must name this machine, which rules out DNS rebinding.
func (s *Server) localOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackHost(r.RemoteAddr) || !isLoopbackHost(r.Host) || !loopbackOrigin(r.Header.Get("Origin")) {
			log.Printf("[WARN] refused %s %s from %s (host %q, origin %q)",
				r.Method, r.URL.Path, r.RemoteAddr, r.Host, r.Header.Get("Origin"))
			jsonError(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// isLoopbackHost reports whether hostport (port optional) is localhost or a
// loopback IP.
func isLoopbackHost(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.Trim(hostport, "[]")
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// loopbackOrigin accepts a missing Origin (non-browser clients) or one served
// from this machine.
func loopbackOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return isLoopbackHost(u.Host)
}

// ---- Helpers ----

func jsonOK(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]string{"status": "ok", "message": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	w.Header().Set("Allow", method)
	jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}
