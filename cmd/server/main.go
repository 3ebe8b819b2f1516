package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/spotexchange/internal/api"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/config"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/logger"
	"github.com/xtrntr/spotexchange/internal/memstore"
	"github.com/xtrntr/spotexchange/internal/metrics"
	"github.com/xtrntr/spotexchange/internal/notify"
	"github.com/xtrntr/spotexchange/internal/store"
	"github.com/xtrntr/spotexchange/migrations"
)

// Main entry point: loads config, opens the backend and serves the HTTP API
func main() {
	configFile := flag.String("config", "", "path to config file (default config/exchange.yaml)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(configFile string) error {
	reloads := make(chan *config.Config, 1)
	reloadErrs := make(chan error, 1)
	cfg, err := config.LoadAndWatch(configFile,
		func(c *config.Config) {
			select {
			case reloads <- c:
			default:
			}
		},
		func(err error) {
			select {
			case reloadErrs <- err:
			default:
			}
		})
	if err != nil {
		return err
	}

	lg, level, closeLog, err := logger.New("spotexchange", cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer closeLog()
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer backend.Close(context.Background())

	commission, err := cfg.Commission()
	if err != nil {
		return err
	}

	authService := auth.NewAuthService(backend, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	hub := notify.NewHub(lg.Named("ws"), authService.GetUserFromToken)
	sinks := notify.Fanout{hub}
	if cfg.NATS.Enabled {
		pub, err := notify.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, lg.Named("nats"), nats.Name("spotexchange"))
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		lg.Info("publishing events to nats", zap.String("url", cfg.NATS.URL), zap.String("prefix", cfg.NATS.SubjectPrefix))
	}

	ex := exchange.NewExchange(backend, exchange.Options{
		CommissionRate: &commission,
		Sink:           sinks,
		Logger:         lg.Named("exchange"),
		Metrics:        metrics.NewRecorder(prometheus.DefaultRegisterer),
	})

	handler := api.NewHandler(backend, ex, authService, lg.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		WebSocket: hub.ServeWS,
		Metrics:   promhttp.Handler(),
		Limiter:   api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("starting server", zap.String("addr", cfg.HTTP.Addr), zap.String("driver", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Only the log level is applied live; other settings need a restart
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-reloads:
				level.SetLevel(logger.ParseLevel(next.Log.Level))
				lg.Info("config reloaded", zap.String("log_level", next.Log.Level))
			case err := <-reloadErrs:
				lg.Warn("ignoring invalid config change", zap.Error(err))
			}
		}
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, lg *zap.Logger) (store.Backend, error) {
	if cfg.Database.Driver == config.DriverMemory {
		lg.Warn("using in-memory backend; state is lost on exit")
		return memstore.New(), nil
	}

	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	scripts, err := migrations.Scripts()
	if err != nil {
		database.Close(ctx)
		return nil, err
	}
	for _, script := range scripts {
		if err := database.Migrate(ctx, script); err != nil {
			database.Close(ctx)
			return nil, err
		}
	}
	return database, nil
}
