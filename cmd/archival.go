package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/strata/core/archival"
	"github.com/adalundhe/strata/core/runtime"
)

// =============================================================================
// Archival Command Flags
// =============================================================================

var (
	archivalSearchTopK   int
	archivalSearchFolder string
	archivalAddFolder    string
)

// =============================================================================
// Archival Commands
// =============================================================================

var archivalCmd = &cobra.Command{
	Use:   "archival",
	Short: "Manage an agent's archival memory",
}

var archivalAddCmd = &cobra.Command{
	Use:   "add <agent-id> <text>",
	Short: "Append an entry to archival memory",
	Args:  cobra.ExactArgs(2),
	RunE:  runArchivalAdd,
}

var archivalSearchCmd = &cobra.Command{
	Use:   "search <agent-id> <query>",
	Short: "Search archival memory by relevance",
	Long: `Search archival entries, ranked by fused full-text and embedding
similarity with ties broken most-recent-first.

Examples:
  strata archival search 3f1c... "deployment checklist"
  strata archival search 3f1c... --folder notes --top-k 5 "standup"`,
	Args: cobra.ExactArgs(2),
	RunE: runArchivalSearch,
}

var archivalFoldersCmd = &cobra.Command{
	Use:   "folders <agent-id>",
	Short: "List archival folders",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchivalFolders,
}

func init() {
	archivalAddCmd.Flags().StringVar(&archivalAddFolder, "folder", "default", "target folder")
	archivalSearchCmd.Flags().IntVar(&archivalSearchTopK, "top-k", 10, "maximum results")
	archivalSearchCmd.Flags().StringVar(&archivalSearchFolder, "folder", "", "restrict to one folder")

	archivalCmd.AddCommand(archivalAddCmd, archivalSearchCmd, archivalFoldersCmd)
	rootCmd.AddCommand(archivalCmd)
}

// =============================================================================
// Archival Command Implementations
// =============================================================================

func runArchivalAdd(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}

	entry, err := rt.AppendArchival(cmd.Context(), handle, archivalAddFolder, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s/%d\n", entry.ID, archivalAddFolder, entry.Seq)
	return nil
}

func runArchivalSearch(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}

	var entries []archival.ScoredEntry
	if archivalSearchFolder != "" {
		entries, err = rt.SearchArchivalFolder(cmd.Context(), handle, archivalSearchFolder, args[1], archivalSearchTopK)
	} else {
		entries, err = rt.SearchArchival(cmd.Context(), handle, args[1], archivalSearchTopK)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, entry := range entries {
		fmt.Fprintf(out, "%.4f\t%s/%d\t%s\n", entry.Score, entry.Folder, entry.Seq, entry.Content)
	}
	return nil
}

func runArchivalFolders(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	var handle runtime.Handle
	if handle, err = openAgent(cmd, rt, args[0]); err != nil {
		return err
	}

	folders, err := rt.ArchivalFolders(cmd.Context(), handle)
	if err != nil {
		return err
	}
	for _, folder := range folders {
		fmt.Fprintln(cmd.OutOrStdout(), folder)
	}
	return nil
}
