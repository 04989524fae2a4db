// Package dashboard serves the engine's read-only status API and its
// Prometheus metrics.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/market"
	"github.com/eddiefleurent/theta_engine/internal/metrics"
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/orders"
	"github.com/eddiefleurent/theta_engine/internal/storage"
)

// LevelSource lists the price levels being monitored.
type LevelSource interface {
	Levels() []models.PriceLevel
}

// OrderSource lists the reversal orders in flight.
type OrderSource interface {
	Outstanding() []orders.OutstandingOrder
}

// PortfolioSource exposes the composed strategies.
type PortfolioSource interface {
	Thetas() []models.Theta
	HedgeExposure() []models.Security
}

// StatusSource is any component with a lifecycle.
type StatusSource interface {
	Status() models.StatusSnapshot
}

// ConnectionSource reports the brokerage session state.
type ConnectionSource interface {
	ConnectionStatus() models.ConnectionStatus
}

// Sources are the components the dashboard reads from. Connection, Hours
// and Components are optional.
type Sources struct {
	Levels     LevelSource
	Orders     OrderSource
	Portfolio  PortfolioSource
	Journal    storage.Interface
	Connection ConnectionSource
	Hours      *market.Hours
	Components []StatusSource
}

// Config configures the server.
type Config struct {
	Listen         string
	AuthToken      string
	RequestTimeout time.Duration
}

// DefaultConfig listens on loopback only.
var DefaultConfig = Config{
	Listen:         "127.0.0.1:8080",
	RequestTimeout: 30 * time.Second,
}

// StatusView is the /api/status payload.
type StatusView struct {
	Mode        string                   `json:"mode,omitempty"`
	MarketOpen  bool                     `json:"market_open"`
	UntilClose  string                   `json:"until_close,omitempty"`
	Connection  *models.ConnectionStatus `json:"connection,omitempty"`
	Components  []models.StatusSnapshot  `json:"components"`
	Monitored   int                      `json:"monitored"`
	Outstanding int                      `json:"outstanding"`
	Strategies  int                      `json:"strategies"`
	Time        time.Time                `json:"time"`
}

// Server is the dashboard HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	src    Sources
	logger *logrus.Entry
	config Config
	mode   string
	now    func() time.Time
}

// NewServer creates a dashboard over src. It panics if a required source is
// missing.
func NewServer(src Sources, mode string, logger *logrus.Logger, config ...Config) *Server {
	if src.Levels == nil || src.Orders == nil || src.Portfolio == nil || src.Journal == nil {
		panic("dashboard.NewServer: levels, orders, portfolio and journal sources are required")
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultConfig.Listen
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		router: chi.NewRouter(),
		src:    src,
		logger: logger.WithField("component", "dashboard"),
		config: cfg,
		mode:   mode,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Timeout(s.config.RequestTimeout))

	if s.config.AuthToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/levels", s.handleLevels)
		r.Get("/strategies", s.handleStrategies)
		r.Get("/exposure", s.handleExposure)
		r.Get("/orders", s.handleOrders)
		r.Get("/reversals", s.handleReversals)
		r.Get("/statistics", s.handleStatistics)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AuthToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting dashboard server on %s", ln.Addr())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("Dashboard shutdown incomplete")
		return err
	}
	s.logger.Info("Dashboard server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	}
	s.writeJSON(w, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	view := StatusView{
		Mode:        s.mode,
		Components:  make([]models.StatusSnapshot, 0, len(s.src.Components)),
		Monitored:   len(s.src.Levels.Levels()),
		Outstanding: len(s.src.Orders.Outstanding()),
		Strategies:  len(s.src.Portfolio.Thetas()),
		Time:        now.UTC(),
	}
	if s.src.Hours != nil {
		view.MarketOpen = s.src.Hours.IsDuringMarketHours(now)
		if left := s.src.Hours.UntilClose(now); left > 0 {
			view.UntilClose = left.Truncate(time.Second).String()
		}
	}
	if s.src.Connection != nil {
		conn := s.src.Connection.ConnectionStatus()
		view.Connection = &conn
	}
	for _, c := range s.src.Components {
		view.Components = append(view.Components, c.Status())
	}
	s.writeJSON(w, view)
}

func (s *Server) handleLevels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.src.Levels.Levels())
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.src.Portfolio.Thetas())
}

func (s *Server) handleExposure(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.src.Portfolio.HedgeExposure())
}

func (s *Server) handleOrders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.src.Orders.Outstanding())
}

// handleReversals lists journaled reversals, newest last. Optional query
// parameters: ticker filters by symbol, limit keeps only the most recent n.
func (s *Server) handleReversals(w http.ResponseWriter, r *http.Request) {
	var records []storage.ReversalRecord
	if symbol := r.URL.Query().Get("ticker"); strings.TrimSpace(symbol) != "" {
		var ticker models.Ticker
		_ = ticker.UnmarshalText([]byte(symbol))
		records = s.src.Journal.GetReversalsForTicker(ticker)
	} else {
		records = s.src.Journal.GetReversals()
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if limit < len(records) {
			records = records[len(records)-limit:]
		}
	}
	if records == nil {
		records = []storage.ReversalRecord{}
	}
	s.writeJSON(w, records)
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.src.Journal.GetStatistics())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
