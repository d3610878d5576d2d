package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hailmesh/internal/relay"
)

// NewRelayCommand runs a relay node. Relays hold no identity and make no
// matching decisions; anyone can run one next to the public set.
func NewRelayCommand(opts *RootOptions) *cobra.Command {
	var listen, dbPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a broadcast relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = opts.Config.RelayListen
			}
			if dbPath == "" {
				dbPath = opts.Config.RelayDB
			}

			var store relay.Store
			if dbPath != "" {
				s, err := relay.OpenSQLite(dbPath)
				if err != nil {
					return err
				}
				store = s
				opts.Log.Info("using durable store", zap.String("db", dbPath))
			} else {
				store = relay.NewMemStore()
			}

			srv := relay.NewServer(listen, store, opts.Log)
			if err := srv.Start(); err != nil {
				return err
			}
			<-cmd.Context().Done()
			opts.Log.Info("shutting down")
			srv.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (host:port)")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite path for durable storage (default: in-memory)")
	return cmd
}
