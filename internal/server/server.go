package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"liquid-ws-server/internal/auth"
	"liquid-ws-server/internal/config"
	"liquid-ws-server/internal/metrics"
	"liquid-ws-server/internal/presence"
	"liquid-ws-server/internal/registry"
	"liquid-ws-server/internal/store"
	chatws "liquid-ws-server/pkg/websocket"
)

// Collaborators are the external systems the core delegates to. Production
// wiring injects real persistence and identity backends; tests and dev runs
// use the in-memory implementations.
type Collaborators struct {
	Messages      store.MessageStore
	Conversations store.ConversationDirectory
	Users         store.UserDirectory
	Sanitizer     store.Sanitizer
}

// Server wires the messaging core to its HTTP surface: the two WebSocket
// endpoints, the presence query API, health and metrics.
type Server struct {
	cfg        config.Config
	logger     zerolog.Logger
	metrics    *metrics.Registry
	registry   registry.Registry
	presence   presence.Store
	jwtManager *auth.JWTManager
	acceptor   *chatws.Acceptor
	httpServer *http.Server
	startedAt  time.Time
}

// New builds a server from configuration. The registry and presence
// backends are chosen here, by config, so handler code never changes
// between single-instance and distributed deployments.
func New(cfg config.Config, logger zerolog.Logger, collab Collaborators) (*Server, error) {
	metricsRegistry := metrics.NewRegistry()

	var reg registry.Registry
	switch cfg.RegistryBackend {
	case config.RegistryNATS:
		natsRegistry, err := registry.NewNATS(registry.NATSConfig{
			URL:           cfg.NATSURL,
			MaxReconnects: cfg.NATSMaxReconnects,
			ReconnectWait: cfg.NATSReconnectWait,
			PingInterval:  cfg.NATSPingInterval,
			MaxPingsOut:   cfg.NATSMaxPingsOut,
		}, metricsRegistry, logger)
		if err != nil {
			return nil, fmt.Errorf("create NATS registry: %w", err)
		}
		reg = natsRegistry
	default:
		reg = registry.NewLocal(metricsRegistry, logger)
	}

	var pres presence.Store
	switch cfg.PresenceBackend {
	case config.PresenceRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		redisStore, err := presence.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PresenceTTL)
		if err != nil {
			return nil, fmt.Errorf("create redis presence store: %w", err)
		}
		pres = redisStore
	default:
		pres = presence.NewMemory(cfg.PresenceTTL)
	}

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenExpiration)
	gate := auth.NewGate(jwtManager, collab.Users)

	deps := &chatws.Deps{
		Registry:      reg,
		Presence:      pres,
		Messages:      collab.Messages,
		Conversations: collab.Conversations,
		Users:         collab.Users,
		Sanitizer:     collab.Sanitizer,
		Metrics:       metricsRegistry,
		Logger:        logger,
		Options: chatws.Options{
			MessageMaxLength: cfg.MessageMaxLength,
			SendQueueSize:    cfg.SendQueueSize,
			InboundRate:      cfg.InboundRate,
			InboundBurst:     cfg.InboundBurst,
			WriteWait:        cfg.WriteWait,
			PongWait:         cfg.PongWait,
			PresenceTTL:      cfg.PresenceTTL,
			TeardownTimeout:  cfg.TeardownTimeout,
			MaxFrameSize:     cfg.MaxFrameSize,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "server").Logger(),
		metrics:    metricsRegistry,
		registry:   reg,
		presence:   pres,
		jwtManager: jwtManager,
		acceptor:   chatws.NewAcceptor(deps, gate),
		startedAt:  time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.corsMiddleware(s.routes()),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: 0, // WebSocket connections outlive any fixed write timeout
	}

	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/chat/global", s.handleGlobalWS)
	mux.HandleFunc("GET /ws/chat/private", s.handlePrivateWS)

	mux.HandleFunc("GET /presence/online/{user_id}", s.handlePresence)
	mux.HandleFunc("POST /presence/online/bulk", s.handleBulkPresence)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /metrics/system", s.handleSystemMetrics)

	if s.cfg.EnableTokenEndpoint {
		mux.HandleFunc("GET /auth/token", s.handleGenerateToken)
	}

	return mux
}

// Handler exposes the full route tree, used by tests to mount the server on
// an httptest listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleGlobalWS(w http.ResponseWriter, r *http.Request) {
	s.acceptor.Serve(chatws.GlobalHandler{}, w, r)
}

func (s *Server) handlePrivateWS(w http.ResponseWriter, r *http.Request) {
	s.acceptor.Serve(chatws.PrivateHandler{}, w, r)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	online, err := s.presence.IsOnline(r.Context(), userID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("presence lookup failed")
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]any{
		"user_id":   userID,
		"is_online": online,
	})
}

func (s *Server) handleBulkPresence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	online, err := s.presence.BulkIsOnline(r.Context(), req.UserIDs)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bulk presence lookup failed")
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]any{"online": online})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"registry":       s.cfg.RegistryBackend,
		"presence":       s.cfg.PresenceBackend,
		"goroutines":     runtime.NumGoroutine(),
	})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, metrics.CollectSystem())
}

// handleGenerateToken mints a token for local development. Never enabled in
// production configuration.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	username := r.URL.Query().Get("username")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if username == "" {
		username = userID
	}

	token, err := s.jwtManager.Generate(userID, username)
	if err != nil {
		s.logger.Error().Err(err).Msg("token generation failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"token": token})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP listener and blocks until a shutdown signal arrives.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
		return s.Shutdown()
	}
}

// Shutdown stops the HTTP listener and releases backend connections, bounded
// by the configured timeout.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := s.registry.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("registry close")
	}
	if closer, ok := s.presence.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("presence close")
		}
	}

	s.logger.Info().Msg("shutdown complete")
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
