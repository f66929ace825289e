// supeer: peer-to-peer links negotiated over a broadcast courier.
//
// Every command that needs signaling connects to a signal server (see
// `supeer signal-server`) given by --signal, then builds a lobby, proxy,
// repeater or bridge on top of it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/1ureka/supeer/internal/buffered"
	"github.com/1ureka/supeer/internal/config"
	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/lobby"
	"github.com/1ureka/supeer/internal/metrics"
	"github.com/1ureka/supeer/internal/peer"
	"github.com/1ureka/supeer/internal/util"
)

var version = "dev"

const defaultSignalAddr = "127.0.0.1:7000"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "supeer",
		Short:        "Peer-to-peer links negotiated over a broadcast courier",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				util.EnableDebug()
			}
		},
	}

	// Global flags.
	rootCmd.PersistentFlags().String("config", config.DefaultDir, "configuration directory")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	rootCmd.PersistentFlags().String("signal", defaultSignalAddr, "signal server address used for signaling")

	rootCmd.AddCommand(signalServerCmd())
	rootCmd.AddCommand(proxyCmd())
	rootCmd.AddCommand(repeaterCmd())
	rootCmd.AddCommand(bridgeCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// portFlags is the --port flag shared by every serving command.
func portFlags(usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("port", pflag.ContinueOnError)
	fs.IntP("port", "p", 0, usage)
	return fs
}

func getPort(cmd *cobra.Command) (int, error) {
	port, _ := cmd.Flags().GetInt("port")
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid or missing --port %d (must be 1~65535)", port)
	}
	return port, nil
}

// session is what every command shares once flags are parsed.
type session struct {
	ctx     context.Context
	cfg     config.Config
	writer  buffered.Writer
	peer    peer.Config
	metrics *metrics.Metrics
}

// setup loads the configuration, starts metrics and the stats reporter,
// and prints the banner. The returned stop function releases the root
// context.
func setup(cmd *cobra.Command) (*session, context.CancelFunc, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	dir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(dir)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("config %s: %w", dir, err)
	}
	writer, err := cfg.Writer()
	if err != nil {
		stop()
		return nil, nil, err
	}
	peerCfg, err := cfg.Peer()
	if err != nil {
		stop()
		return nil, nil, err
	}

	m, err := resolveMetrics(ctx, cmd)
	if err != nil {
		stop()
		return nil, nil, err
	}

	pterm.Info.Println(fmt.Sprintf("supeer v%s", version))
	pterm.Println()
	util.StartStatsReporter(ctx)

	return &session{ctx: ctx, cfg: cfg, writer: writer, peer: peerCfg, metrics: m}, stop, nil
}

// courier dials the signal server named by --signal.
func (s *session) courier(cmd *cobra.Command) (courier.Courier, error) {
	addr, _ := cmd.Flags().GetString("signal")
	c := courier.NewSignal(addr, s.writer)
	if err := c.Ready(s.ctx); err != nil {
		c.Discard()
		return nil, fmt.Errorf("signal server %s: %w", addr, err)
	}
	return c, nil
}

func (s *session) joinOptions() lobby.JoinOptions {
	return lobby.JoinOptions{
		RetryInterval: s.cfg.Settings.Lobby.RetryInterval.Std(),
		Timeout:       s.cfg.Settings.Lobby.Timeout.Std(),
	}
}

// wait blocks until the root context ends or one of done closes.
func (s *session) wait(done ...<-chan struct{}) {
	ended := make(chan struct{})
	var once sync.Once
	for _, d := range done {
		go func() {
			select {
			case <-d:
				once.Do(func() { close(ended) })
			case <-s.ctx.Done():
			}
		}()
	}

	select {
	case <-s.ctx.Done():
		util.LogInfo("shutting down")
	case <-ended:
	}
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or SUPEER_METRICS_ADDR is set. Returns nil if metrics are
// disabled. The provided context controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("SUPEER_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln); err != nil {
			util.LogError("[metrics] server failed: %v", err)
		}
	}()
	return m, nil
}

// validateDest checks a proxy destination of the form addr:port.
func validateDest(dest string) error {
	host, port, err := net.SplitHostPort(dest)
	if err != nil {
		return fmt.Errorf("invalid --dest %q: %w", dest, err)
	}
	if host == "" || port == "" {
		return errors.New("--dest must be address:port")
	}
	return nil
}
