package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/remote-agent-terminal/termhub/internal/agent"
	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/config"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/pty"
	"github.com/remote-agent-terminal/termhub/internal/session"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("termhub-agent", pflag.ExitOnError)
	flags.StringVar(&cfg.Server, "server", cfg.Server, "server host link address")
	flags.StringVar(&cfg.Host, "host", cfg.Host, "name of this host")
	flags.StringVar(&cfg.Secret, "secret", cfg.Secret, "host link secret shared with the server")
	flags.StringVar(&cfg.Shell, "shell", cfg.Shell, "shell started for each session")
	flags.StringVar(&cfg.Root, "root", cfg.Root, "directory served to file requests")
	flags.StringVar(&cfg.RecordDir, "record-dir", cfg.RecordDir, "directory for asciinema recordings")
	flags.Parse(os.Args[1:])

	if cfg.Host == "" {
		if name, err := os.Hostname(); err == nil {
			cfg.Host = strings.ToLower(strings.Split(name, ".")[0])
		}
	}

	logutil.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("agent: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.AgentSettings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	host := strings.ToLower(cfg.Host)
	serverName, _, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		return fmt.Errorf("invalid server address %q: %w", cfg.Server, err)
	}
	if cfg.RecordDir != "" {
		if err := os.MkdirAll(cfg.RecordDir, 0o755); err != nil {
			return fmt.Errorf("failed to create record directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ptyManager := pty.NewManager(cfg.HistorySize)
	defer ptyManager.Close()

	dir, _ := os.UserHomeDir()
	sessions := session.NewManager(ptyManager, session.Config{
		Host:      host,
		Shell:     cfg.Shell,
		Dir:       dir,
		RecordDir: cfg.RecordDir,
	})
	defer sessions.Close()

	a := agent.New(agent.Config{
		Server: cfg.Server,
		Host:   host,
		Key:    auth.HostKey(cfg.Secret, host),
		TLS:    cfg.TLSConfig(serverName),
		Root:   cfg.Root,
		Email:  cfg.Email,
	}, sessions)
	defer a.Stop()

	slog.Info("agent: starting", "server", cfg.Server, "host", host, "tls", cfg.TLS)
	err = a.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrShutdown):
		slog.Info("agent: shut down by server")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
