package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lanhall-io/lanhall/agent/internal/config"
	"github.com/lanhall-io/lanhall/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "lanhall-agent.json"
			}
			return runInit(cli.DefaultPrompter(), output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./lanhall-agent.json)")
	return cmd
}

func runInit(p *cli.Prompter, outputPath string) error {
	fmt.Println("Lanhall agent setup")
	fmt.Println()

	cfg := &config.Config{}
	cfg.Server.URL = p.Ask("Server WebSocket URL", "ws://localhost:8080")
	cfg.Station.ID = p.Ask("Station ID (as registered on the server)", "")
	cfg.Server.Token = strings.TrimSpace(p.AskPassword("Agent token (mint one with 'lanhall-server token')"))
	if strings.HasPrefix(cfg.Server.URL, "wss://") {
		cfg.Server.TLSSkipVerify = !p.Confirm("Verify the server's TLS certificate?", true)
	}
	cfg.Overlay.Disabled = !p.Confirm("Show the kiosk overlay on this station?", true)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// Token inside, keep it private.
	if err := os.WriteFile(outputPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", outputPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  lanhall-agent run %s\n", outputPath)
	return nil
}
