package sync

import (
	"sort"

	"github.com/adalundhe/strata/core/af"
	"github.com/adalundhe/strata/core/storage"
)

// Winner names which side a conflict resolved toward.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Conflict records one block where both sides held a value and a
// winner had to be picked.
type Conflict struct {
	Label  string `json:"label"`
	Winner Winner `json:"winner"`
}

// mergeResult is the reconciled block set plus what changed.
type mergeResult struct {
	blocks    []*storage.BlockRecord
	conflicts []Conflict

	// remoteWon is true when any remote value displaced a local one,
	// meaning local state must be rewritten before pushing.
	remoteWon bool
}

// mergeBlocks resolves the local and remote block sets last-writer-wins
// by modification timestamp, local winning ties. Blocks present on one
// side only are kept. Labels matching the exclude globs always keep
// their local value and never count as conflicts.
func mergeBlocks(cfg *Config, local []*storage.BlockRecord, remote []af.BlockDef, agentID string) mergeResult {
	remoteByLabel := make(map[string]af.BlockDef, len(remote))
	for _, block := range remote {
		remoteByLabel[block.Label] = block
	}

	var result mergeResult
	seen := make(map[string]bool, len(local))

	for _, block := range local {
		seen[block.Label] = true

		remoteBlock, both := remoteByLabel[block.Label]
		if !both || cfg.excluded(block.Label) {
			result.blocks = append(result.blocks, block)
			continue
		}

		if remoteBlock.Value == block.Value {
			result.blocks = append(result.blocks, block)
			continue
		}

		// Last writer wins; a tie keeps local.
		if remoteBlock.UpdatedAt.After(block.UpdatedAt) {
			result.blocks = append(result.blocks, blockFromDef(agentID, remoteBlock))
			result.conflicts = append(result.conflicts, Conflict{Label: block.Label, Winner: WinnerRemote})
			result.remoteWon = true
		} else {
			result.blocks = append(result.blocks, block)
			result.conflicts = append(result.conflicts, Conflict{Label: block.Label, Winner: WinnerLocal})
		}
	}

	for _, block := range remote {
		if seen[block.Label] || cfg.excluded(block.Label) {
			continue
		}
		result.blocks = append(result.blocks, blockFromDef(agentID, block))
		result.remoteWon = true
	}

	sort.Slice(result.blocks, func(i, j int) bool {
		return result.blocks[i].Label < result.blocks[j].Label
	})
	return result
}

func blockFromDef(agentID string, def af.BlockDef) *storage.BlockRecord {
	limit := def.CharLimit
	if limit <= 0 {
		limit = af.DefaultCharLimit
	}
	return &storage.BlockRecord{
		AgentID:     agentID,
		Label:       def.Label,
		Value:       def.Value,
		Description: def.Description,
		CharLimit:   limit,
		UpdatedAt:   def.UpdatedAt,
	}
}
