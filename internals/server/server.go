// Package server exposes the call lifecycle over REST and the /video
// signaling socket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/adityaadpandey/callroom/internals/auth"
	"github.com/adityaadpandey/callroom/internals/call"
	"github.com/adityaadpandey/callroom/internals/config"
	"github.com/adityaadpandey/callroom/internals/signaling"
	"github.com/adityaadpandey/callroom/internals/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	cfg        *config.Config
	calls      *call.Service
	relay      *signaling.Relay
	auth       *auth.Authenticator
	rooms      store.RoomStore
	storeName  string
	fanout     *signaling.Fanout
	logger     *zap.Logger
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

type Options struct {
	Config    *config.Config
	Calls     *call.Service
	Relay     *signaling.Relay
	Auth      *auth.Authenticator
	Rooms     store.RoomStore
	StoreName string
	// Fanout is nil when cross-instance delivery is off.
	Fanout *signaling.Fanout
	Logger *zap.Logger
}

func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       opts.Config,
		calls:     opts.Calls,
		relay:     opts.Relay,
		auth:      opts.Auth,
		rooms:     opts.Rooms,
		storeName: opts.StoreName,
		fanout:    opts.Fanout,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/video", s.relay.ServeWS).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)
	api.HandleFunc("/rooms", s.createRoom).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/rooms/join", s.joinRoom).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/rooms/{roomId}", s.getRoomInfo).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms/{roomId}/leave", s.leaveRoom).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/rooms/{roomId}/end", s.endRoom).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{bookingId}", s.getSessionInfo).Methods(http.MethodGet, http.MethodOptions)

	return r
}

// Start serves until Stop is called. The presence sweep runs alongside when
// configured.
func (s *Server) Start() error {
	s.logger.Info("Starting call server",
		zap.String("host", s.cfg.Server.Host),
		zap.Int("port", s.cfg.Server.Port),
		zap.String("store", s.storeName),
	)

	if interval := s.cfg.Signaling.SweepInterval; interval > 0 {
		go s.relay.RunSweep(s.ctx, interval)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop() {
	s.logger.Info("Stopping call server")
	s.cancel()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && allowed == origin {
			return origin
		}
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeStatus := "connected"
	if err := s.rooms.Ping(ctx); err != nil {
		storeStatus = "error: " + err.Error()
	}

	fanoutStatus := "disabled"
	instanceID := ""
	if s.fanout != nil {
		instanceID = s.fanout.InstanceID()
		fanoutStatus = "connected"
		if err := s.fanout.Ping(); err != nil {
			fanoutStatus = "error: " + err.Error()
		}
	}

	status := "healthy"
	code := http.StatusOK
	if storeStatus != "connected" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if fanoutStatus != "connected" && fanoutStatus != "disabled" {
		status = "degraded"
	}

	snapshot := s.calls.PresenceSnapshot()
	rooms := make(map[string]struct{})
	for _, e := range snapshot {
		rooms[e.RoomID] = struct{}{}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"timestamp":    time.Now(),
		"instanceId":   instanceID,
		"store":        s.storeName,
		"storeStatus":  storeStatus,
		"fanout":       fanoutStatus,
		"connections":  s.relay.Hub().ClientCount(),
		"rooms":        len(rooms),
		"participants": len(snapshot),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
