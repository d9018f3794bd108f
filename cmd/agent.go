package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// =============================================================================
// Agent Command Flags
// =============================================================================

var (
	agentCreateName         string
	agentCreateProvider     string
	agentCreateModel        string
	agentCreateSystemPrompt string
	agentImportFile         string
	agentExportFile         string
)

// =============================================================================
// Agent Commands
// =============================================================================

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new agent",
	Long: `Create a persisted agent seeded with the default persona and
human memory blocks.

Examples:
  strata agent create --name scribe --provider anthropic
  strata agent create --name tester --provider scripted --system-prompt "You keep notes."`,
	RunE: runAgentCreate,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted agents",
	RunE:  runAgentList,
}

var agentDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Delete an agent and all of its state",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentDelete,
}

var agentExportCmd = &cobra.Command{
	Use:   "export <agent-id>",
	Short: "Export an agent to an Agent File document",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentExport,
}

var agentImportCmd = &cobra.Command{
	Use:   "import <agent-id>",
	Short: "Replace an agent's state from an Agent File document",
	Long: `Replace the agent's blocks and configuration with the document's
content. The import is atomic: a rejected document leaves the agent
untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentImport,
}

func init() {
	agentCreateCmd.Flags().StringVar(&agentCreateName, "name", "", "agent name (required)")
	agentCreateCmd.Flags().StringVar(&agentCreateProvider, "provider", "scripted", "model provider: anthropic, openai, scripted")
	agentCreateCmd.Flags().StringVar(&agentCreateModel, "model", "", "model override (provider default when empty)")
	agentCreateCmd.Flags().StringVar(&agentCreateSystemPrompt, "system-prompt", "", "system prompt")
	agentCreateCmd.MarkFlagRequired("name")

	agentExportCmd.Flags().StringVarP(&agentExportFile, "out", "o", "", "write the document to a file instead of stdout")
	agentImportCmd.Flags().StringVarP(&agentImportFile, "file", "f", "", "read the document from a file instead of stdin")

	agentCmd.AddCommand(agentCreateCmd, agentListCmd, agentDeleteCmd, agentExportCmd, agentImportCmd)
	rootCmd.AddCommand(agentCmd)
}

// =============================================================================
// Agent Command Implementations
// =============================================================================

func runAgentCreate(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	spec, err := json.Marshal(map[string]string{
		"name":          agentCreateName,
		"provider":      agentCreateProvider,
		"model":         agentCreateModel,
		"system_prompt": agentCreateSystemPrompt,
	})
	if err != nil {
		return err
	}

	handle, err := rt.CreateAgent(cmd.Context(), string(spec))
	if err != nil {
		return err
	}

	agentID, err := rt.AgentID(handle)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), agentID)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	agents, err := rt.ListAgents(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, agent := range agents {
		fmt.Fprintf(out, "%s\t%s\t%s/%s\n", agent.ID, agent.Name, agent.Provider, agent.Model)
	}
	return nil
}

func runAgentDelete(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}
	return rt.DeleteAgent(cmd.Context(), handle)
}

func runAgentExport(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}

	doc, err := rt.ExportAF(cmd.Context(), handle)
	if err != nil {
		return err
	}

	if agentExportFile != "" {
		return os.WriteFile(agentExportFile, []byte(doc), 0o644)
	}
	fmt.Fprintln(cmd.OutOrStdout(), doc)
	return nil
}

func runAgentImport(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	var doc []byte
	if agentImportFile != "" {
		doc, err = os.ReadFile(agentImportFile)
	} else {
		doc, err = readAll(cmd)
	}
	if err != nil {
		return err
	}

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}
	return rt.LoadAF(cmd.Context(), handle, string(doc))
}
