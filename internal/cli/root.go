// Package cli wires the node packages into the hailmesh command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hailmesh/internal/config"
	"hailmesh/internal/identity"
	"hailmesh/internal/metrics"
	"hailmesh/internal/transport"
)

// RootOptions holds global flags and the resolved runtime pieces every
// subcommand shares.
type RootOptions struct {
	ConfigPath string
	DataDir    string
	Relays     []string
	Verbose    bool

	Config  config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Metrics: metrics.New()}

	cmd := &cobra.Command{
		Use:   "hailmesh",
		Short: "Serverless matching between anonymous peers over untrusted relays",
		Long: `hailmesh matches a requester with a provider (think ride hailing)
without any coordinating server: both sides publish signed, expiring
records to a set of broadcast relays and converge by re-reading them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.DataDir != "" {
				cfg.DataDir = opts.DataDir
			}
			if len(opts.Relays) > 0 {
				cfg.Relays = opts.Relays
			}
			opts.Config = cfg

			log, err := buildLogger(opts.Verbose)
			if err != nil {
				return err
			}
			opts.Log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.Log != nil {
				_ = opts.Log.Sync()
			}
			if path := opts.Config.MetricsPath; path != "" {
				if err := opts.Metrics.WriteSnapshot(path); err != nil {
					fmt.Fprintf(os.Stderr, "write metrics snapshot: %v\n", err)
				}
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringSliceVar(&opts.Relays, "relay", nil, "relay endpoint (repeatable)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewOfferCommand(opts))

	return cmd
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// connectPool loads the installation identity and fans connections out to
// the configured relays. It waits briefly for at least one to come up; zero
// live relays is not fatal, just loudly hopeless.
func (o *RootOptions) connectPool(ctx context.Context) (*transport.Pool, error) {
	if len(o.Config.Relays) == 0 {
		return nil, fmt.Errorf("no relays configured: set relays in the config file, HAILMESH_RELAYS or --relay")
	}
	if err := os.MkdirAll(o.Config.DataDir, 0700); err != nil {
		return nil, err
	}
	id, err := identity.Load(o.Config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	pool := transport.NewPool(id, o.Config.Relays, o.Log, o.Metrics)
	pool.Connect(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if connected, _ := pool.Counts(); connected > 0 {
			return pool, nil
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	connected, total := pool.Counts()
	o.Log.Warn("no relays reachable yet, continuing anyway",
		zap.Int("connected", connected), zap.Int("total", total))
	return pool, nil
}
