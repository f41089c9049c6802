// Package main provides the p2perf command line tool, an iperf style
// throughput benchmark between two nodes over a secured multiplexed
// connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jabberwocky238/p2perf/config"
	"github.com/jabberwocky238/p2perf/node"
	"github.com/jabberwocky238/p2perf/perf"
	"github.com/jabberwocky238/p2perf/report"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errRunFailed = errors.New("benchmark run failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "p2perf",
		Short: "Throughput benchmark between peers",
		Long: `p2perf measures how fast one node can push bytes to another over a
secured, multiplexed connection. The client streams data on a dedicated
substream until a time or byte target is reached; the server counts what
arrived and echoes the count back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			node.SetLogLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: trace, debug, info, warn, error")

	root.AddCommand(newServerCmd(), newClientCmd(), newKeygenCmd())

	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.ParseConfig(path)
}

// transportPreset replaces the configured stack with a named one.
func transportPreset(name string) ([]config.Transport, error) {
	switch name {
	case "tcp":
		return []config.Transport{{ID: "tcp0", Type: "tcp", Main: true}}, nil
	case "tls":
		return []config.Transport{
			{ID: "tcp0", Type: "tcp"},
			{ID: "tls0", Type: "tls", Main: true, Cfg: map[string]interface{}{
				"Underlying":         "tcp0",
				"ServerName":         "localhost",
				"InsecureSkipVerify": true,
			}},
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q, expected tcp or tls", name)
}

func newServerCmd() *cobra.Command {
	var (
		configPath string
		port       int
		transport  string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept benchmark runs from clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") || cfg.Interface.ListenPort == 0 {
				cfg.Interface.ListenPort = port
			}
			if transport != "" {
				if cfg.Transport, err = transportPreset(transport); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "f", "",
		"Path to a TOML config file")
	flags.IntVar(&port, "port", 5991,
		"TCP port to listen on")
	flags.StringVar(&transport, "transport", "",
		"Transport stack: tcp or tls (default: from config)")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	n, err := node.NewNode(cfg)
	if err != nil {
		return err
	}
	if err := n.Listen(cfg.Interface.Address, cfg.Interface.ListenPort); err != nil {
		n.Close()
		return err
	}
	log := node.Logger()
	log.WithField("peer", n.ID()).Info("Server started")

	go func() {
		for r := range n.Results() {
			entry := log.WithFields(logrus.Fields{
				"conn": r.Conn,
				"peer": r.Peer.Short(),
				"role": r.Role,
			})
			if r.Outcome.Err != nil {
				entry.WithError(r.Outcome.Err).Warn("Run failed")
				continue
			}
			entry.WithFields(logrus.Fields{
				"bytes":    r.Outcome.Bytes,
				"duration": r.Outcome.Duration,
				"bps":      int64(r.Outcome.BitsPerSecond()),
			}).Info("Run finished")
		}
	}()

	return n.Run(ctx)
}

func newClientCmd() *cobra.Command {
	var (
		configPath    string
		serverAddress string
		duration      time.Duration
		bytes         uint64
		outputJSON    bool
		transport     string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run one benchmark against a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("duration") && flags.Changed("bytes") {
				return errors.New("--duration and --bytes are mutually exclusive")
			}
			if flags.Changed("duration") {
				cfg.Perf.Mode = "duration"
				cfg.Perf.Duration = config.Duration{Duration: duration}
			}
			if flags.Changed("bytes") {
				cfg.Perf.Mode = "bytes"
				cfg.Perf.Bytes = bytes
			}
			cfg.Perf.Initiate = perf.InitiateOutbound.String()
			if transport != "" {
				if cfg.Transport, err = transportPreset(transport); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runClient(cmd.Context(), cfg, serverAddress, outputJSON)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "f", "",
		"Path to a TOML config file")
	flags.StringVar(&serverAddress, "server-address", "",
		"Address of the server, host:port")
	flags.DurationVar(&duration, "duration", perf.DefaultDuration,
		"Stream for this long")
	flags.Uint64Var(&bytes, "bytes", 0,
		"Stream exactly this many bytes instead of a duration")
	flags.BoolVar(&outputJSON, "json", false,
		"Output the result as JSON instead of a table")
	flags.StringVar(&transport, "transport", "",
		"Transport stack: tcp or tls (default: from config)")
	_ = cmd.MarkFlagRequired("server-address")

	return cmd
}

func runClient(ctx context.Context, cfg *config.Config, addr string, outputJSON bool) error {
	n, err := node.NewNode(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	id, err := n.Dial(addr)
	if err != nil {
		return err
	}
	r, err := awaitResult(ctx, n, id)
	if err != nil {
		return err
	}

	if outputJSON {
		err = report.JSON(os.Stdout, []perf.Result{r})
	} else {
		err = report.Summary(os.Stdout, r)
	}
	if err != nil {
		return err
	}
	if !r.Outcome.Completed() {
		return errRunFailed
	}
	return nil
}

// resultGrace bounds the wait for an aborted run's result after its
// connection went away.
const resultGrace = time.Second

var errNoRun = errors.New("connection closed before a benchmark run started")

func awaitResult(ctx context.Context, n *node.Node, id perf.ConnID) (perf.Result, error) {
	select {
	case r, ok := <-n.Results():
		if !ok {
			return perf.Result{}, errNoRun
		}
		return r, nil
	case <-n.Done(id):
	case <-ctx.Done():
		return perf.Result{}, ctx.Err()
	}

	select {
	case r, ok := <-n.Results():
		if !ok {
			return perf.Result{}, errNoRun
		}
		return r, nil
	case <-time.After(resultGrace):
		return perf.Result{}, errNoRun
	case <-ctx.Done():
		return perf.Result{}, ctx.Err()
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node private key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sk, err := node.NewPrivateKey()
			if err != nil {
				return err
			}
			pk := sk.PublicKey()
			fmt.Fprintf(cmd.OutOrStdout(), "PrivateKey = %q\n", sk.ToBase64())
			fmt.Fprintf(cmd.OutOrStdout(), "# peer id %s\n", pk.ToBase64())
			return nil
		},
	}
}
