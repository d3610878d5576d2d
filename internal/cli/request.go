package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hailmesh/internal/cache"
	"hailmesh/internal/cell"
	"hailmesh/internal/match"
	"hailmesh/internal/proto"
)

const lastRequestKey = "last_request"

type requestDefaults struct {
	Type string         `json:"type"`
	From proto.Location `json:"from"`
	To   proto.Location `json:"to"`
}

// NewRequestCommand publishes a ride request and waits for a provider.
func NewRequestCommand(opts *RootOptions) *cobra.Command {
	var (
		fromLat, fromLon float64
		toLat, toLon     float64
		rideType         string
		wait             time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Publish a request and wait for a provider to take it",
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

			details := requestDefaults{
				Type: rideType,
				From: proto.Location{Lat: fromLat, Lon: fromLon},
				To:   proto.Location{Lat: toLat, Lon: toLon},
			}
			// Bare invocations repeat the last trip.
			if !cmd.Flags().Changed("from-lat") && !cmd.Flags().Changed("from-lon") {
				if raw, ok, err := store.Get(lastRequestKey); err == nil && ok {
					var last requestDefaults
					if json.Unmarshal(raw, &last) == nil {
						details = last
						opts.Log.Info("reusing last request parameters")
					}
				}
			}
			if raw, err := json.Marshal(details); err == nil {
				_ = store.Put(lastRequestKey, raw)
			}

			cellToken, err := cell.Token(details.From.Lat, details.From.Lon, opts.Config.CellPrecision)
			if err != nil {
				return err
			}
			opts.Log.Info("publishing request",
				zap.String("cell", cellToken),
				zap.String("type", details.Type))

			matched := make(chan string, 1)
			lost := make(chan struct{}, 1)
			r, err := match.StartRequester(pool, cellToken, match.RequestDetails{
				Type:        details.Type,
				Origin:      details.From,
				Destination: details.To,
			}, match.RequesterCallbacks{
				OnMatched: func(provider string) { matched <- provider },
				OnExpired: func() { lost <- struct{}{} },
				OnProviderSeen: func(rec proto.Record) {
					opts.Log.Info("provider available", zap.String("provider", shortID(rec.Pubkey)))
				},
			}, match.Options{
				TTL:       opts.Config.RecordTTL(),
				Lead:      opts.Config.HeartbeatLead(),
				MinViable: opts.Config.MinViable(),
				Log:       opts.Log,
				Metrics:   opts.Metrics,
			})
			if err != nil {
				return err
			}
			defer r.Stop()

			var timeout <-chan time.Time
			if wait > 0 {
				timer := time.NewTimer(wait)
				defer timer.Stop()
				timeout = timer.C
			}
			select {
			case provider := <-matched:
				fmt.Fprintf(cmd.OutOrStdout(), "matched with provider %s\n", provider)
				return nil
			case <-lost:
				return fmt.Errorf("request no longer discoverable: lost contact with all relays")
			case <-timeout:
				fmt.Fprintln(cmd.OutOrStdout(), "no provider took the request in time, cancelling")
				return r.Cancel()
			case <-ctx.Done():
				return r.Cancel()
			}
		},
	}

	cmd.Flags().Float64Var(&fromLat, "from-lat", 0, "pickup latitude")
	cmd.Flags().Float64Var(&fromLon, "from-lon", 0, "pickup longitude")
	cmd.Flags().Float64Var(&toLat, "to-lat", 0, "destination latitude")
	cmd.Flags().Float64Var(&toLon, "to-lon", 0, "destination longitude")
	cmd.Flags().StringVar(&rideType, "type", "ride", "request type")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for a match (0 = forever)")
	return cmd
}

func shortID(pubkey string) string {
	if len(pubkey) > 12 {
		return pubkey[:12]
	}
	return pubkey
}
