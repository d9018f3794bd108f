package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// =============================================================================
// Block Commands
// =============================================================================

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Manage an agent's memory blocks",
}

var blockSetCmd = &cobra.Command{
	Use:   "set <agent-id> <label> <value>",
	Short: "Create or overwrite a memory block",
	Args:  cobra.ExactArgs(3),
	RunE:  runBlockSet,
}

var blockGetCmd = &cobra.Command{
	Use:   "get <agent-id> <label>",
	Short: "Print a memory block's value",
	Long: `Print the block's value. An unknown label exits non-zero without
printing; an empty value prints an empty line.`,
	Args: cobra.ExactArgs(2),
	RunE: runBlockGet,
}

var blockAppendCmd = &cobra.Command{
	Use:   "append <agent-id> <label> <text>",
	Short: "Append text to a memory block",
	Long: `Append text to the block. When the result would exceed the block's
character limit the oldest content is truncated to make room.`,
	Args: cobra.ExactArgs(3),
	RunE: runBlockAppend,
}

var blockListCmd = &cobra.Command{
	Use:   "list <agent-id>",
	Short: "List an agent's memory blocks",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlockList,
}

func init() {
	blockCmd.AddCommand(blockSetCmd, blockGetCmd, blockAppendCmd, blockListCmd)
	rootCmd.AddCommand(blockCmd)
}

// =============================================================================
// Block Command Implementations
// =============================================================================

func runBlockSet(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}
	return rt.SetBlock(cmd.Context(), handle, args[1], args[2])
}

func runBlockGet(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}

	value, found, err := rt.GetBlock(cmd.Context(), handle, args[1])
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("agent %s has no block %q", args[0], args[1])
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runBlockAppend(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}
	return rt.AppendBlock(cmd.Context(), handle, args[1], args[2])
}

func runBlockList(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := openAgent(cmd, rt, args[0])
	if err != nil {
		return err
	}

	blocks, err := rt.ListBlocks(cmd.Context(), handle)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, block := range blocks {
		fmt.Fprintf(out, "%s\t%d/%d chars\n", block.Label, len(block.Value), block.CharLimit)
	}
	return nil
}

// readAll drains the command's stdin.
func readAll(cmd *cobra.Command) ([]byte, error) {
	return io.ReadAll(cmd.InOrStdin())
}
