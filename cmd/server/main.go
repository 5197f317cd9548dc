package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/remote-agent-terminal/termhub/api/handlers"
	"github.com/remote-agent-terminal/termhub/internal/audit"
	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/config"
	"github.com/remote-agent-terminal/termhub/internal/db"
	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/loop"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/proxy"
	"github.com/remote-agent-terminal/termhub/internal/registry"
	"github.com/remote-agent-terminal/termhub/internal/repository"
	"github.com/remote-agent-terminal/termhub/internal/router"
	"github.com/remote-agent-terminal/termhub/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("termhub", pflag.ExitOnError)
	flags.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flags.StringVar(&cfg.HostAddr, "host-addr", cfg.HostAddr, "host link listen address")
	flags.StringVar(&cfg.AuthType, "auth", cfg.AuthType, "auth policy (none, name, singleuser, multiuser, login)")
	flags.StringVar(&cfg.UsersFile, "users", cfg.UsersFile, "YAML users file")
	flags.Parse(os.Args[1:])

	logutil.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("termhub: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Settings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, _ := cfg.Policy()
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return err
	}
	users, err := config.LoadUsers(cfg.UsersFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit trail
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	auditRepo := repository.NewAuditRepository(database)
	recorder := audit.NewRecorder(auditRepo)
	go recorder.Run(ctx)
	defer recorder.Close()

	// Event loop and worker pool. The loop outlives ctx so that shutdown
	// can still close the browser connections on it.
	l := loop.New(0)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go l.Run(loopCtx)
	pool := loop.NewPool(l, cfg.PoolSize)
	defer pool.Wait()

	ctrl, err := auth.New(authOptions(cfg, policy, users, tlsConfig != nil), authDeps(cfg, users, pool))
	if err != nil {
		return err
	}
	reg := registry.New(ctrl, registry.Options{AllowShare: cfg.AllowShare})
	ctrl.SetNameInUse(reg.UserConnected)

	hosts := hostlink.NewManager(hostlink.SecretKeys(cfg.LinkSecret()), l, tlsConfig)
	defer hosts.Shutdown()
	ctrl.SetHosts(hosts)

	tracker := proxy.NewTracker(proxy.RequestTimeout)
	rt := router.New(reg, hosts, nil, ctrl, tracker)
	rt.SetRecorder(recorder)
	hosts.SetHandler(rt)

	server := ws.NewServer(ws.Options{
		MaxTerminals: cfg.MaxTerminals,
		AllowShare:   cfg.AllowShare,
		AllowEmbed:   cfg.AllowEmbed,
		NoFormCheck:  cfg.NoFormCheck,
		FeedURL:      cfg.FeedURL,
		HostSettings: map[string]any{"external_host": cfg.ExternalHost},
	}, ws.Deps{
		Loop:     l,
		Pool:     pool,
		Auth:     ctrl,
		Registry: reg,
		Router:   rt,
		Hosts:    hosts,
		Recorder: recorder,
	})

	go func() {
		if err := hosts.Listen(ctx, cfg.HostAddr); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("termhub: host link listener failed", "error", err)
			stop()
		}
	}()

	// HTTP routes
	if strings.ToLower(cfg.LogLevel) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	handlers.NewTerminalHandler(l, ctrl, server, cfg.ExternalHost).RegisterRoutes(r)
	handlers.NewFileHandler(l, ctrl, hosts, tracker, cfg.CacheFiles).RegisterRoutes(r)
	handlers.NewAdminHandler(l, ctrl, reg, hosts, server, auditRepo).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("termhub: starting server", "addr", cfg.HTTPAddr, "auth", policy, "version", model.Version)
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("termhub: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if cerr := l.Call(shutdownCtx, server.Hub().Close); cerr != nil {
		slog.Warn("termhub: closing connections failed", "error", cerr)
	}
	return err
}

func authOptions(cfg config.Settings, policy model.AuthType, users *config.UsersFile, https bool) auth.Options {
	explicit := make(map[string]auth.User, len(users.Users))
	for name, u := range users.Users {
		if u.Code != "" || u.Email != "" {
			explicit[strings.ToLower(name)] = auth.User{Code: u.Code, Email: u.Email}
		}
	}
	return auth.Options{
		Policy:     policy,
		Code:       cfg.AuthCode,
		SuperUsers: users.SuperUsers,
		Users:      explicit,
		Groups:     users.Groups,
		GroupCode:  cfg.GroupCode,
		UserSetup:  cfg.UserSetup,
		NoGoogAuth: cfg.NoGoogAuth,
		HTTPS:      https,
		CookieTTL:  cfg.CookieTTL,
		AuthFile:   cfg.UsersFile,
	}
}

func authDeps(cfg config.Settings, users *config.UsersFile, pool *loop.Pool) auth.Deps {
	deps := auth.Deps{Pool: pool}
	if pw := users.Passwords(); len(pw) > 0 {
		deps.Validator = auth.PasswordFile(pw)
	}
	if fields := strings.Fields(cfg.SetupCmd); len(fields) > 0 {
		deps.Provisioner = auth.CommandProvisioner{
			Command:      fields[0],
			ExternalHost: cfg.ExternalHost,
			Args:         fields[1:],
		}
	}
	return deps
}

// requestLogger logs every request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http: request",
			"method", c.Request.Method,
			"path", logutil.SanitizeForLog(c.Request.URL.Path),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
