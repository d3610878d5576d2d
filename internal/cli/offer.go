package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hailmesh/internal/cache"
	"hailmesh/internal/cell"
	"hailmesh/internal/match"
	"hailmesh/internal/proto"
)

const lastOfferKey = "last_offer"

type offerDefaults struct {
	Type     string         `json:"type"`
	Location proto.Location `json:"location"`
}

// NewOfferCommand advertises availability as a provider. With --auto it
// proposes for the first open request it sees and for the next one whenever
// a proposal falls through; without it the command only watches.
func NewOfferCommand(opts *RootOptions) *cobra.Command {
	var (
		lat, lon float64
		rideType string
		auto     bool
	)

	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Advertise availability and take requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := opts.connectPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := cache.Open(filepath.Join(opts.Config.DataDir, "cache.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			details := offerDefaults{Type: rideType, Location: proto.Location{Lat: lat, Lon: lon}}
			if !cmd.Flags().Changed("lat") && !cmd.Flags().Changed("lon") {
				if raw, ok, err := store.Get(lastOfferKey); err == nil && ok {
					var last offerDefaults
					if json.Unmarshal(raw, &last) == nil {
						details = last
						opts.Log.Info("reusing last offer parameters")
					}
				}
			}
			if raw, err := json.Marshal(details); err == nil {
				_ = store.Put(lastOfferKey, raw)
			}

			cellToken, err := cell.Token(details.Location.Lat, details.Location.Lon, opts.Config.CellPrecision)
			if err != nil {
				return err
			}
			opts.Log.Info("advertising availability",
				zap.String("cell", cellToken),
				zap.Bool("auto", auto))

			won := make(chan proto.Record, 1)
			lost := make(chan struct{}, 1)
			p, err := match.StartProvider(pool, cellToken, match.ProviderDetails{
				Type:     details.Type,
				Location: details.Location,
			}, match.ProviderCallbacks{
				OnMatched: func(rec proto.Record) { won <- rec },
				OnExpired: func() { lost <- struct{}{} },
				OnRequestSeen: func(rec proto.Record) {
					opts.Log.Info("open request",
						zap.String("requester", shortID(rec.Pubkey)),
						zap.String("request", rec.DTag()))
				},
				OnRequestGone: func(rec proto.Record) {
					opts.Log.Info("request gone", zap.String("request", rec.DTag()))
				},
			}, match.Options{
				TTL:        opts.Config.RecordTTL(),
				Lead:       opts.Config.HeartbeatLead(),
				MinViable:  opts.Config.MinViable(),
				AutoAccept: auto,
				Log:        opts.Log,
				Metrics:    opts.Metrics,
			})
			if err != nil {
				return err
			}
			defer p.Stop()

			select {
			case rec := <-won:
				content, err := proto.DecodeRequestContent(rec.Content)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "matched with requester %s\n", rec.Pubkey)
				fmt.Fprintf(cmd.OutOrStdout(), "pickup at %.5f,%.5f heading to %.5f,%.5f\n",
					content.Origin.Lat, content.Origin.Lon,
					content.Destination.Lat, content.Destination.Lon)
				return nil
			case <-lost:
				return fmt.Errorf("availability no longer discoverable: lost contact with all relays")
			case <-ctx.Done():
				return p.Withdraw()
			}
		},
	}

	cmd.Flags().Float64Var(&lat, "lat", 0, "current latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "current longitude")
	cmd.Flags().StringVar(&rideType, "type", "ride", "request type to serve")
	cmd.Flags().BoolVar(&auto, "auto", false, "propose automatically for open requests")
	return cmd
}
