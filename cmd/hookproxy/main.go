// Package main provides the CLI entry point for the hookproxy SOCKS5 client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/config"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/health"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/intercept"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/logging"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/metrics"
	"github.com/lauramikodo-star/zauraHook-sub000/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookproxy",
		Short: "hookproxy - SOCKS5 client for intercepted app traffic",
		Long: `hookproxy routes an application's outbound TCP connections and UDP
datagrams through a SOCKS5 proxy (RFC 1928), with optional
username/password authentication (RFC 1929).

With no proxy host configured every operation passes through untouched.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(udpCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("init needs an interactive terminal; write the YAML by hand instead")
			}

			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup wizard: %w", err)
			}
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	var configPath string
	var probe bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration",
		Long: `Load and validate the configuration and print it with secrets redacted.
With --probe, also open and close one UDP association to verify that the
proxy is reachable and accepts the credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Print(cfg.String())

			if !probe {
				return nil
			}
			if !cfg.Proxy.Enabled() {
				fmt.Println("\nproxy disabled, nothing to probe")
				return nil
			}

			layer, err := newLayer(cfg, nil)
			if err != nil {
				return err
			}
			defer layer.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Proxy.DialTimeout+cfg.Proxy.HandshakeTimeout)
			defer cancel()

			start := time.Now()
			w, err := layer.Connector().Associate(ctx)
			if err != nil {
				return fmt.Errorf("probe %s: %w", cfg.Proxy.Address(), err)
			}
			relayAddr := w.RelayAddr()
			w.Close()

			fmt.Printf("\nproxy %s OK (relay %s, %s)\n", cfg.Proxy.Address(), relayAddr, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./hookproxy.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&probe, "probe", false, "Verify the proxy with a UDP ASSOCIATE")

	return cmd
}

func connectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Open a TCP stream through the proxy",
		Long: `Connect to host:port through the proxy and copy stdin to the
connection and the connection to stdout until either side closes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			layer, err := newLayer(cfg, nil)
			if err != nil {
				return err
			}
			defer layer.Close()

			conn, err := layer.DialTCP(cmd.Context(), "tcp", args[0])
			if err != nil {
				return err
			}
			defer conn.Close()

			sent, received := pipe(conn, os.Stdin, os.Stdout)
			fmt.Fprintf(os.Stderr, "sent %s, received %s\n",
				humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(received)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./hookproxy.yaml", "Path to configuration file")

	return cmd
}

// pipe copies in to conn and conn to out. It returns when the remote side
// is done; a finished stdin only half-closes the connection.
func pipe(conn net.Conn, in io.Reader, out io.Writer) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(conn, in)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()

	received, _ = io.Copy(out, conn)
	conn.Close()
	wg.Wait()
	return sent, received
}

func udpCmd() *cobra.Command {
	var configPath string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "udp <host:port> <payload>",
		Short: "Send one datagram through the proxy",
		Long:  "Send payload to host:port through a UDP association and print the first reply.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := splitTarget(args[0])
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.Proxy.Enabled() {
				return config.ErrProxyDisabled
			}

			layer, err := newLayer(cfg, nil)
			if err != nil {
				return err
			}
			defer layer.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			const localID = "cli"
			if _, err := layer.SendDatagram(ctx, localID, []byte(args[1]), host, port); err != nil {
				return err
			}

			bufSize, _ := cfg.Relay.DatagramBufferSize()
			buf := make([]byte, bufSize)
			n, origin, _, err := layer.ReceiveDatagram(ctx, localID, buf)
			if err != nil {
				return fmt.Errorf("waiting for reply: %w", err)
			}

			fmt.Fprintf(os.Stderr, "%s from %s\n", humanize.IBytes(uint64(n)), origin)
			os.Stdout.Write(buf[:n])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./hookproxy.yaml", "Path to configuration file")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to wait for the reply")

	return cmd
}

// splitTarget parses host:port into the pieces the relay takes.
func splitTarget(target string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("invalid target %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", target)
	}
	return host, uint16(port), nil
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client with health and metrics endpoints",
		Long:  "Build the interception layer from the configuration and serve health and metrics until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			layer, err := newLayer(cfg, reg)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			var healthServer *health.Server
			if cfg.Health.Enabled {
				healthServer = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
					Gatherer:     reg,
				}, layer)
				if err := healthServer.Start(); err != nil {
					layer.Close()
					return fmt.Errorf("failed to start health server: %w", err)
				}
				fmt.Printf("Health server: http://%s/health\n", healthServer.Address())
			}

			if layer.Enabled() {
				fmt.Printf("Proxy: %s\n", cfg.Proxy.Address())
			} else {
				fmt.Println("Proxy: disabled (pass-through)")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if healthServer != nil {
				if err := healthServer.Stop(); err != nil {
					fmt.Printf("Health server shutdown error: %v\n", err)
				}
			}
			if err := layer.Close(); err != nil {
				return err
			}

			fmt.Println("Stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./hookproxy.yaml", "Path to configuration file")

	return cmd
}

// newLayer builds the interception layer with a logger from cfg. A nil reg
// uses the default Prometheus registerer.
func newLayer(cfg *config.Config, reg prometheus.Registerer) (*intercept.Layer, error) {
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	m := metrics.Default()
	if reg != nil {
		m = metrics.NewMetricsWithRegistry(reg)
	}

	return intercept.New(cfg, intercept.Options{
		Logger:  logger,
		Metrics: m,
	})
}
