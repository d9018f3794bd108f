package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Sync Command
// =============================================================================

var syncCmd = &cobra.Command{
	Use:   "sync <agent-id>",
	Short: "Reconcile an agent with its cloud copy",
	Long: `Pull the agent's remote copy, merge block conflicts last-writer-wins
(local wins ties), and push the merged state. Endpoint and credentials
come from the sync section of the configuration or the STRATA_SYNC_*
environment variables.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Sync.APIKey == "" {
		return fmt.Errorf("sync is not configured: set sync.api_key or STRATA_SYNC_API_KEY")
	}

	syncSpec, err := json.Marshal(map[string]any{
		"endpoint":       cfg.Sync.Endpoint,
		"api_key":        cfg.Sync.APIKey,
		"device_id":      cfg.Sync.DeviceID,
		"exclude_labels": cfg.Sync.ExcludeLabels,
	})
	if err != nil {
		return err
	}
	if err := rt.ConfigureSync(string(syncSpec)); err != nil {
		return err
	}

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}

	outcome, err := rt.SyncWithCloud(cmd.Context(), handle)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pushed: %t  pulled remote: %t  cloud version: %d\n",
		outcome.Pushed, outcome.PulledRemote, outcome.CloudVersion)
	for _, conflict := range outcome.Conflicts {
		fmt.Fprintf(out, "conflict %s: %s won\n", conflict.Label, conflict.Winner)
	}
	return nil
}
