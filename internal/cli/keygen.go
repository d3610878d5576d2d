package cli

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hailmesh/internal/identity"
)

// NewKeygenCommand ensures the installation identity exists and prints the
// public halves. Running it twice is a no-op.
func NewKeygenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create (or show) the installation identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(opts.Config.DataDir, 0700); err != nil {
				return err
			}
			id, err := identity.Load(opts.Config.DataDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "peer id:      %s\n", id.PeerID())
			fmt.Fprintf(cmd.OutOrStdout(), "exchange pub: %s\n", hex.EncodeToString(id.ExchangePub()))
			fmt.Fprintf(cmd.OutOrStdout(), "data dir:     %s\n", opts.Config.DataDir)
			return nil
		},
	}
}
