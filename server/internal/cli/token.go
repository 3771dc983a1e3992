package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lanhall-io/lanhall/server/internal/auth"
	"github.com/lanhall-io/lanhall/server/internal/config"
	"github.com/lanhall-io/lanhall/server/internal/store"
)

// newTokenCmd mints a long-lived agent token for one station, for pasting
// into that machine's agent config. Runs against the same config and store
// as the server so the station must already exist.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Mint an agent token for a station",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stationID, _ := cmd.Flags().GetString("station")
			if stationID == "" {
				return fmt.Errorf("--station is required")
			}

			configPath := resolveConfigPath(cmd, args, "lanhall-server.json")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			defer db.Close()

			station, err := db.GetStation(cmd.Context(), stationID)
			if err != nil {
				return fmt.Errorf("look up station: %w", err)
			}
			if station == nil {
				return fmt.Errorf("station %q not found (create it via the API first)", stationID)
			}

			svc := auth.NewService(db, cfg.Auth)
			token, err := svc.MintAgentToken(stationID)
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}

			fmt.Printf("Agent token for station %s (valid %s):\n%s\n",
				stationID, cfg.Auth.AgentExpiry.Duration, token)
			return nil
		},
	}
	cmd.Flags().String("station", "", "station ID to mint the token for")
	return cmd
}
