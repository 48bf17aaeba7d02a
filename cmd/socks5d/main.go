// Package main provides the CLI entry point for the SOCKS5 proxy.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/evasilence/socks5d/internal/config"
	"github.com/evasilence/socks5d/internal/logging"
	"github.com/evasilence/socks5d/internal/metrics"
	"github.com/evasilence/socks5d/internal/socks5"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socks5d",
		Short:   "A RFC 1928/1929 SOCKS5 proxy server",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(hashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath     string
		address        string
		username       string
		password       string
		metricsAddress string
		wsAddress      string
		wsPath         string
		wsPlaintext    bool
		wsCertFile     string
		wsKeyFile      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5 proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			} else {
				cfg = config.Default()
			}

			if err := applyFlagOverrides(cfg, address, username, password, metricsAddress, wsAddress, wsPath, wsPlaintext, wsCertFile, wsKeyFile); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.NewMetrics()
			}

			srv := socks5.NewServer(cfg.ToServerConfig(logger, metricsOrNil(m)))
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			logger.Info("socks5 proxy listening", logging.KeyLocalAddr, srv.Addr())

			var wsListener *socks5.WebSocketListener
			if cfg.WebSocket.Enabled {
				var tlsConfig *tls.Config
				if !cfg.WebSocket.PlainText {
					cert, err := tls.LoadX509KeyPair(cfg.WebSocket.CertFile, cfg.WebSocket.KeyFile)
					if err != nil {
						return fmt.Errorf("failed to load websocket TLS cert: %w", err)
					}
					tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
				}

				wsListener, _ = socks5.NewWebSocketListener(cfg.ToWebSocketConfig(tlsConfig), cfg.ToServerConfig(logger, metricsOrNil(m)))
				if err := wsListener.Start(); err != nil {
					return fmt.Errorf("failed to start websocket listener: %w", err)
				}
				logger.Info("websocket ingress listening", logging.KeyLocalAddr, wsListener.Address())
			}

			var metricsServer *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", logging.KeyError, err)
					}
				}()
				logger.Info("metrics listening", logging.KeyLocalAddr, cfg.Metrics.Address)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if metricsServer != nil {
				metricsServer.Shutdown(ctx)
			}
			if wsListener != nil {
				wsListener.Stop()
			}
			if err := srv.Stop(); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}

			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().StringVar(&address, "address", "", "Override listen.address, e.g. 0.0.0.0:1080")
	cmd.Flags().StringVar(&username, "username", "", "Single-user auth: username (requires --password)")
	cmd.Flags().StringVar(&password, "password", "", "Single-user auth: plaintext password (requires --username)")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Enable Prometheus metrics on this address")
	cmd.Flags().StringVar(&wsAddress, "ws-address", "", "Enable the WebSocket ingress transport on this address")
	cmd.Flags().StringVar(&wsPath, "ws-path", "", "WebSocket upgrade path (default /socks5)")
	cmd.Flags().BoolVar(&wsPlaintext, "ws-plaintext", false, "Run the WebSocket listener without TLS (behind a terminating proxy)")
	cmd.Flags().StringVar(&wsCertFile, "ws-cert-file", "", "TLS certificate file for the WebSocket listener")
	cmd.Flags().StringVar(&wsKeyFile, "ws-key-file", "", "TLS key file for the WebSocket listener")

	return cmd
}

// applyFlagOverrides layers CLI flags on top of a loaded (or default)
// config.Config, following the same "file sets the baseline, flags win"
// rule as the rest of the proxy's configuration surface.
func applyFlagOverrides(cfg *config.Config, address, username, password, metricsAddress, wsAddress, wsPath string, wsPlaintext bool, wsCertFile, wsKeyFile string) error {
	if address != "" {
		cfg.Listen.Address = address
	}

	if (username == "") != (password == "") {
		return fmt.Errorf("--username and --password must be given together")
	}
	if username != "" && password != "" {
		hash, err := socks5.HashPassword(password)
		if err != nil {
			return fmt.Errorf("failed to hash --password: %w", err)
		}
		cfg.Auth.Users = []config.UserConfig{{Username: username, PasswordHash: hash}}
	}

	if metricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = metricsAddress
	}
	if wsAddress != "" {
		cfg.WebSocket.Enabled = true
		cfg.WebSocket.Address = wsAddress
	}
	if wsPath != "" {
		cfg.WebSocket.Path = wsPath
	}
	if wsPlaintext {
		cfg.WebSocket.PlainText = true
	}
	if wsCertFile != "" {
		cfg.WebSocket.CertFile = wsCertFile
	}
	if wsKeyFile != "" {
		cfg.WebSocket.KeyFile = wsKeyFile
	}

	return nil
}

func metricsOrNil(m *metrics.Metrics) socks5.Metrics {
	if m == nil {
		return nil
	}
	return m
}

func hashPasswordCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Generate a bcrypt hash for use in auth.users[].password_hash",
		Long: `Generate a bcrypt password hash for the configuration file's
auth.users[].password_hash field.

If no password is given as an argument, you will be prompted to enter
one interactively (recommended, since arguments are visible in shell
history).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string

			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}

				fmt.Print("Confirm password: ")
				confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read confirmation: %w", err)
				}

				if string(pwBytes) != string(confirmBytes) {
					return fmt.Errorf("passwords do not match")
				}
				password = string(pwBytes)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31)")

	return cmd
}
