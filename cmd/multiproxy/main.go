// Package main provides the CLI entry point for the multiproxy server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/postalsys/multiproxy/internal/config"
	"github.com/postalsys/multiproxy/internal/dialer"
	"github.com/postalsys/multiproxy/internal/httpproxy"
	"github.com/postalsys/multiproxy/internal/logging"
	"github.com/postalsys/multiproxy/internal/metrics"
	"github.com/postalsys/multiproxy/internal/ratelimit"
	"github.com/postalsys/multiproxy/internal/reverseproxy"
	"github.com/postalsys/multiproxy/internal/socks5"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "multiproxy",
		Short:   "multiproxy - HTTP, SOCKS5, and fixed-target TCP reverse proxy",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the configured proxy listeners",
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

func serve(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Default()
		go func() {
			logger.Info("metrics listener starting", logging.KeyListener, cfg.Metrics.Address)
			if err := http.ListenAndServe(cfg.Metrics.Address, metrics.Handler()); err != nil {
				logger.Error("metrics listener failed", logging.KeyError, err.Error())
			}
		}()
	} else {
		m = metrics.Default()
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RatePerSecond > 0 {
		limiter = ratelimit.New(cfg.RateLimit.RatePerSecond, cfg.RateLimit.Burst)
	}

	var socksSrv *socks5.Server
	if cfg.SOCKS5.Enabled {
		scfg := socks5.DefaultServerConfig()
		scfg.Address = cfg.SOCKS5.Address
		if cfg.SOCKS5.MaxConnections > 0 {
			scfg.MaxConnections = cfg.SOCKS5.MaxConnections
		}
		if cfg.SOCKS5.ConnectTimeout > 0 {
			scfg.ConnectTimeout = cfg.SOCKS5.ConnectTimeout
		}
		if cfg.SOCKS5.IdleTimeout > 0 {
			scfg.IdleTimeout = cfg.SOCKS5.IdleTimeout
		}
		scfg.Authenticators = socks5.CreateAuthenticators(authConfigFrom(cfg.SOCKS5.Auth))
		scfg.Dialer = dialer.NewDirect(scfg.ConnectTimeout)
		scfg.RateLimit = limiter
		scfg.Logger = logger.With(logging.KeyComponent, "socks5")
		scfg.Metrics = m

		socksSrv = socks5.NewServer(scfg)
		if err := socksSrv.Start(); err != nil {
			return fmt.Errorf("start socks5 listener: %w", err)
		}
		logger.Info("socks5 listener started", logging.KeyListener, socksSrv.Address().String())
	}

	var httpSrv *httpproxy.Server
	if cfg.HTTPProxy.Enabled {
		hcfg := httpproxy.DefaultServerConfig()
		hcfg.Address = cfg.HTTPProxy.Address
		if cfg.HTTPProxy.MaxConnections > 0 {
			hcfg.MaxConnections = cfg.HTTPProxy.MaxConnections
		}
		if cfg.HTTPProxy.ConnectTimeout > 0 {
			hcfg.ConnectTimeout = cfg.HTTPProxy.ConnectTimeout
		}
		if cfg.HTTPProxy.IdleTimeout > 0 {
			hcfg.IdleTimeout = cfg.HTTPProxy.IdleTimeout
		}
		if cfg.HTTPProxy.Auth.Enabled {
			auths := authConfigFrom(cfg.HTTPProxy.Auth)
			hcfg.Hooks.Auth = basicAuthFunc(auths)
		}
		hcfg.Dialer = dialer.NewDirect(hcfg.ConnectTimeout)
		hcfg.RateLimit = limiter
		hcfg.Logger = logger.With(logging.KeyComponent, "http")
		hcfg.Metrics = m

		httpSrv = httpproxy.NewServer(hcfg)
		if err := httpSrv.Start(); err != nil {
			return fmt.Errorf("start http proxy listener: %w", err)
		}
		logger.Info("http proxy listener started", logging.KeyListener, httpSrv.Address().String())
	}

	var reverseListeners []*reverseproxy.Listener
	for _, rl := range cfg.ReverseProxy.Listeners {
		lcfg := reverseproxy.DefaultListenerConfig()
		lcfg.Address = rl.Address
		lcfg.Upstream = rl.Upstream
		if rl.MaxConnections > 0 {
			lcfg.MaxConnections = rl.MaxConnections
		}
		if rl.ConnectTimeout > 0 {
			lcfg.ConnectTimeout = rl.ConnectTimeout
		}
		lcfg.Dialer = dialer.NewDirect(lcfg.ConnectTimeout)
		lcfg.RateLimit = limiter
		lcfg.Logger = logger.With(logging.KeyComponent, "reverse")
		lcfg.Metrics = m

		l := reverseproxy.NewListener(lcfg)
		if err := l.Start(); err != nil {
			return fmt.Errorf("start reverse proxy listener on %s: %w", rl.Address, err)
		}
		logger.Info("reverse proxy listener started",
			logging.KeyListener, l.Address().String(),
			logging.KeyTarget, rl.Upstream)
		reverseListeners = append(reverseListeners, l)
	}

	if socksSrv == nil && httpSrv == nil && len(reverseListeners) == 0 {
		return fmt.Errorf("no listeners enabled in configuration")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if socksSrv != nil {
		if err := socksSrv.StopWithContext(ctx); err != nil {
			logger.Error("socks5 shutdown error", logging.KeyError, err.Error())
		}
	}
	if httpSrv != nil {
		if err := httpSrv.StopWithContext(ctx); err != nil {
			logger.Error("http proxy shutdown error", logging.KeyError, err.Error())
		}
	}
	for _, l := range reverseListeners {
		if err := l.Stop(); err != nil {
			logger.Error("reverse proxy shutdown error", logging.KeyError, err.Error())
		}
	}

	return nil
}

// authConfigFrom adapts the YAML-facing credential list into the
// socks5.AuthConfig shape shared by both proxy dialects.
func authConfigFrom(auth config.SOCKS5AuthConfig) socks5.AuthConfig {
	cfg := socks5.AuthConfig{
		Enabled:     auth.Enabled,
		Required:    auth.Required,
		Users:       map[string]string{},
		HashedUsers: map[string]string{},
	}
	for _, u := range auth.Users {
		if u.PasswordHash != "" {
			cfg.HashedUsers[u.Username] = u.PasswordHash
		} else if u.Password != "" {
			cfg.Users[u.Username] = u.Password
		}
	}
	return cfg
}

// basicAuthFunc adapts a SOCKS5-style credential store into the
// policy.AuthFunc consulted by the HTTP proxy's Proxy-Authorization check.
func basicAuthFunc(cfg socks5.AuthConfig) func(username, password string) bool {
	var store socks5.CredentialStore
	if len(cfg.HashedUsers) > 0 {
		store = socks5.HashedCredentials(cfg.HashedUsers)
	} else {
		store = socks5.StaticCredentials(cfg.Users)
	}
	return func(username, password string) bool {
		return store.Valid(username, password)
	}
}

func initCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively build a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				enableSOCKS5    bool
				socksAddr       = "127.0.0.1:1080"
				enableHTTP      bool
				httpAddr        = "127.0.0.1:8080"
				enableReverse   bool
				reverseAddr     string
				reverseUpstream string
			)

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewConfirm().
						Title("Enable the SOCKS5 proxy?").
						Value(&enableSOCKS5),
					huh.NewInput().
						Title("SOCKS5 listen address").
						Value(&socksAddr),
				),
				huh.NewGroup(
					huh.NewConfirm().
						Title("Enable the HTTP forward proxy?").
						Value(&enableHTTP),
					huh.NewInput().
						Title("HTTP proxy listen address").
						Value(&httpAddr),
				),
				huh.NewGroup(
					huh.NewConfirm().
						Title("Enable a fixed-target TCP reverse proxy?").
						Value(&enableReverse),
					huh.NewInput().
						Title("Reverse proxy listen address").
						Value(&reverseAddr),
					huh.NewInput().
						Title("Reverse proxy upstream (host:port)").
						Value(&reverseUpstream),
				),
			)

			if err := form.Run(); err != nil {
				return fmt.Errorf("configuration wizard failed: %w", err)
			}

			cfg := config.Default()
			cfg.SOCKS5.Enabled = enableSOCKS5
			cfg.SOCKS5.Address = socksAddr
			cfg.HTTPProxy.Enabled = enableHTTP
			cfg.HTTPProxy.Address = httpAddr
			if enableReverse {
				cfg.ReverseProxy.Listeners = append(cfg.ReverseProxy.Listeners, config.ReverseProxyListenerConfig{
					Address:        reverseAddr,
					Upstream:       reverseUpstream,
					MaxConnections: 1000,
					ConnectTimeout: 30 * time.Second,
				})
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("generated config is invalid: %w", err)
			}

			if err := os.WriteFile(outputPath, []byte(cfg.StringUnsafe()), 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", outputPath, err)
			}

			successStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
			fmt.Println(successStyle.Render(fmt.Sprintf("Wrote configuration to %s", outputPath)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "./config.yaml", "Path to write the generated configuration")

	return cmd
}

func hashPasswordCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Generate a bcrypt hash for use in socks5.auth/http_proxy.auth users",
		Args:  cobra.MaximumNArgs(1),
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

			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("failed to generate hash: %w", err)
			}

			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31, higher = slower but more secure)")

	return cmd
}

func statsCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print a human-readable summary of a running proxy's /metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+metricsAddr+"/metrics", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to metrics endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("metrics endpoint returned status %s", resp.Status)
			}

			n, err := countExpositionBytes(resp)
			if err != nil {
				return err
			}

			fmt.Printf("Fetched %s (%s bytes) of metrics text from %s\n",
				humanize.Bytes(uint64(n)), humanize.Comma(int64(n)), metricsAddr)
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "address", "127.0.0.1:9090", "Metrics listener address")

	return cmd
}

func countExpositionBytes(resp *http.Response) (int, error) {
	buf := make([]byte, 32*1024)
	total := 0
	for {
		n, err := resp.Body.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	return total, nil
}
