// Package main provides the CLI entry point for the socksgate proxy.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opswire/socksgate/internal/config"
	"github.com/opswire/socksgate/internal/health"
	"github.com/opswire/socksgate/internal/logging"
	"github.com/opswire/socksgate/internal/metrics"
	"github.com/opswire/socksgate/internal/resolver"
	"github.com/opswire/socksgate/internal/socks5"
	"github.com/opswire/socksgate/internal/wizard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "socksgate [port]",
		Short: "socksgate - SOCKS5 TCP proxy",
		Long: `socksgate is a SOCKS5 TCP proxy server: it negotiates the
no-authentication handshake, connects to the requested target, and relays
bytes in both directions until either side closes.

Given a bare port it serves on 0.0.0.0:<port> with default settings; the
run command accepts a full YAML configuration.`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}

			port, err := strconv.Atoi(args[0])
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[0])
			}

			cfg := config.Default()
			cfg.SOCKS5.Address = net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
			return serve(cfg)
		},
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy with a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func setupCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactively generate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New(outPath).Run()
			return err
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "./config.yaml", "Where to write the configuration")

	return cmd
}

// serve runs the proxy until SIGINT or SIGTERM.
func serve(cfg *config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	res := resolver.New(resolver.Config{
		Servers: cfg.DNS.Servers,
		Timeout: cfg.DNS.Timeout,
	})

	server := socks5.NewServer(socks5.ServerConfig{
		Address:        cfg.SOCKS5.Address,
		BufferSize:     cfg.SOCKS5.BufferSize,
		MaxConnections: cfg.SOCKS5.MaxConnections,
		ConnectTimeout: cfg.SOCKS5.ConnectTimeout,
		RateLimit:      cfg.SOCKS5.RateLimit,
		Resolver:       res,
		Logger:         logger,
		Metrics:        metrics.Default(),
	})

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf("SOCKS5 server: %s\n", server.Address())

	if cfg.WebSocket.Enabled {
		wsCfg := socks5.WebSocketConfig{
			Address:   cfg.WebSocket.Address,
			Path:      cfg.WebSocket.Path,
			PlainText: cfg.WebSocket.Cert == "",
			OnError: func(err error) {
				logger.Error("websocket listener failed", logging.KeyError, err)
			},
		}
		if cfg.WebSocket.Cert != "" {
			tlsCfg, err := loadTLS(cfg.WebSocket.Cert, cfg.WebSocket.Key)
			if err != nil {
				server.Stop()
				return err
			}
			wsCfg.TLSConfig = tlsCfg
			wsCfg.PlainText = false
		}
		if err := server.StartWebSocket(wsCfg); err != nil {
			server.Stop()
			return fmt.Errorf("failed to start WebSocket listener: %w", err)
		}
		fmt.Printf("WebSocket listener: %s%s\n", server.WebSocketAddress(), cfg.WebSocket.Path)
	}

	var healthSrv *health.Server
	if cfg.Metrics.Enabled {
		prometheus.MustRegister(version.NewCollector("socksgate"))
		healthSrv = health.NewServer(health.Config{Address: cfg.Metrics.Address}, server)
		if err := healthSrv.Start(); err != nil {
			server.Stop()
			return fmt.Errorf("failed to start health server: %w", err)
		}
		fmt.Printf("Health endpoint: http://%s/healthz\n", healthSrv.Address())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if healthSrv != nil {
		healthSrv.Stop()
	}
	if err := server.StopWithContext(ctx); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
		return err
	}

	fmt.Println("Server stopped.")
	return nil
}

// loadTLS builds the TLS termination config for the WebSocket listener.
func loadTLS(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
