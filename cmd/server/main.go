package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tariel-x/pinroom/internal/auth"
	"github.com/tariel-x/pinroom/internal/config"
	"github.com/tariel-x/pinroom/internal/handlers"
	"github.com/tariel-x/pinroom/internal/relay"
	"github.com/tariel-x/pinroom/internal/store"
	"github.com/tariel-x/pinroom/internal/turn"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/acme/autocert"
)

const AppVersion = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	httpOnly := flag.Bool("http-only", true, "Serve plain HTTP (disable Let's Encrypt TLS)")
	frontendURI := flag.String("frontend-uri", "", "Origin allowed by CORS in http-only mode")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	var overrides config.Overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http-only":
			overrides.HTTPOnly = httpOnly
		case "frontend-uri":
			overrides.FrontendURI = frontendURI
		case "log-level":
			overrides.LogLevel = logLevel
		}
	})

	cfg, err := config.Load(overrides)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info(fmt.Sprintf("Pinroom Server v%s", AppVersion), "store", cfg.StoreDriver, "http_only", cfg.HTTPOnly)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Options{
		Driver: store.Driver(cfg.StoreDriver),
		Path:   cfg.StorePath(),
		DSN:    cfg.DatabaseURL,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var turnServer *turn.Server
	if cfg.TURNEnabled {
		turnServer, err = turn.Start(turn.Options{
			Port:     cfg.TURNPort,
			Realm:    cfg.TURNRealm,
			PublicIP: cfg.TURNPublicIP,
			KeysDir:  cfg.KeysDir,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("start turn server: %w", err)
		}
		defer turnServer.Close()
	}

	tickets := auth.NewTickets(cfg.TicketSecret, cfg.TicketTTL)
	hub := handlers.NewWSHub()
	svc := relay.New(st, hub, tickets, relay.Config{
		RingTimeout:         cfg.CallRingTimeout,
		MaxQueuedCandidates: cfg.MaxQueuedCandidates,
	}, logger)
	go svc.Run(ctx)

	h := handlers.New(cfg, svc, st, tickets, turnServer, hub, logger)
	router := setupRouter(h, cfg, logger)

	servers, err := buildServers(router, cfg, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "addr", srv.Addr, "error", err)
		}
	}
	return nil
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), slogGinLogger(logger))

	router.Use(func(c *gin.Context) {
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	h.Register(router)
	return router
}

// buildServers returns the plain HTTP server in http-only mode, otherwise an
// HTTPS server with Let's Encrypt certificates plus the port 80 companion
// answering ACME challenges and redirecting to HTTPS.
func buildServers(router *gin.Engine, cfg *config.Config, logger *slog.Logger) ([]*http.Server, error) {
	errorLog := log.New(newTLSErrorWriter(logger), "", 0)

	if cfg.HTTPOnly {
		return []*http.Server{{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          errorLog,
		}}, nil
	}

	certsDir := filepath.Join(executableDir(), "certs")
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return nil, fmt.Errorf("create certs directory: %w", err)
	}

	domain := normalizeDomain(cfg.Domain)
	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}
	logger.Info("tls via let's encrypt", "domain", domain, "certs_dir", certsDir)

	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})

	return []*http.Server{
		{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           m.HTTPHandler(redirect),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          errorLog,
		},
		{
			Addr:              ":" + cfg.HTTPSPort,
			Handler:           router,
			TLSConfig:         m.TLSConfig(),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          errorLog,
		},
	}, nil
}

func executableDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

// normalizeDomain lowercases and strips a leading www.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
