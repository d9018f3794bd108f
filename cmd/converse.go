package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/strata/core/conversation"
)

// =============================================================================
// Converse Command Flags
// =============================================================================

var (
	converseRole string
	converseJSON bool
)

// =============================================================================
// Converse Command
// =============================================================================

var converseCmd = &cobra.Command{
	Use:   "converse <agent-id> <message>",
	Short: "Run one conversational turn with an agent",
	Long: `Send a message and print the agent's reply. The agent's memory
tools run inline; a turn suspended on an external tool call prints the
pending calls and can be resumed by passing a raw JSON payload with
tool results via --json.

Examples:
  strata converse 3f1c... "What did we decide about the rollout?"
  strata converse --json 3f1c... '{"role":"user","tool_results":[{"tool_call_id":"call_1","content":"42"}]}'`,
	Args: cobra.ExactArgs(2),
	RunE: runConverse,
}

func init() {
	converseCmd.Flags().StringVar(&converseRole, "role", "user", "message role: user or system")
	converseCmd.Flags().BoolVar(&converseJSON, "json", false, "treat the message as a raw payload and print the raw response")
	rootCmd.AddCommand(converseCmd)
}

func runConverse(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}

	payload := args[1]
	if !converseJSON {
		encoded, err := json.Marshal(map[string]string{
			"role":    converseRole,
			"content": args[1],
		})
		if err != nil {
			return err
		}
		payload = string(encoded)
	}

	response, err := rt.Converse(cmd.Context(), handle, payload)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if converseJSON {
		fmt.Fprintln(out, response)
		return nil
	}

	var result conversation.Result
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		return err
	}

	if result.Content != "" {
		fmt.Fprintln(out, result.Content)
	}
	if result.Phase == "tool_call_pending" {
		fmt.Fprintln(out, "turn suspended on external tool calls:")
		for _, call := range result.PendingCalls {
			fmt.Fprintf(out, "  %s\t%s\t%s\n", call.ID, call.Name, call.Arguments)
		}
	}
	return nil
}
