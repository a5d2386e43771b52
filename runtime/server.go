package runtime

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/growcache/growcache/lib/storage"
	"github.com/growcache/growcache/runtime/common"
	"github.com/growcache/growcache/runtime/engine"

	_ "net/http/pprof"
)

var logger = common.GetLogger("server")

// Server ties the configuration, the storage engine and the I/O
// runtime together and owns process-level concerns: signals and the
// optional metrics endpoint.
type Server struct {
	config common.ServerConfig
	store  storage.IStorage
	eng    engine.IEngine
}

// NewServer builds a server from the configuration.
//
// Usage:
//
//	s, err := runtime.NewServer(cfg)
//	if err != nil {
//		return err
//	}
//	if err := s.Serve(); err != nil {
//		return err
//	}
func NewServer(config common.ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	common.InitLoggers(config)

	store := storage.New(storage.Options{
		MaxMemory:    config.MaxMemory,
		DefaultTTL:   config.DefaultTTL,
		MaxValueSize: config.MaxValueSize,
	})

	eng, err := engine.New(config, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("created cache server")
	logger.Info(config.String())

	return &Server{config: config, store: store, eng: eng}, nil
}

// Serve runs the engine until a fatal error or a termination signal.
func (s *Server) Serve() error {
	if s.config.MetricsListen != "" {
		go s.serveMetrics()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("shutting down")
		s.eng.Shutdown()
	}()

	err := s.eng.Run()
	s.store.Close()
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// Shutdown stops the engine; Serve returns once the workers exit.
func (s *Server) Shutdown() {
	s.eng.Shutdown()
}

// serveMetrics exposes Prometheus metrics (and pprof, via the
// side-effect import) on the configured endpoint.
func (s *Server) serveMetrics() {
	mux := http.DefaultServeMux
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	srv := &http.Server{
		Addr:              s.config.MetricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.WithField("addr", s.config.MetricsListen).Info("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.WithError(err).Warn("metrics endpoint failed")
	}
}
