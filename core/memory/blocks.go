// Package memory implements labeled core-memory blocks: bounded text
// slots that ride along in every prompt. Blocks live in the agent
// store; this package owns their size and lifecycle rules.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/storage"
)

const (
	// DefaultCharLimit bounds a block's value in bytes.
	DefaultCharLimit = 2000

	LabelPersona = "persona"
	LabelHuman   = "human"
)

// Blocks is the block store for all agents. Stateless beyond the
// store handle; safe for concurrent use across distinct agents.
type Blocks struct {
	store *storage.Store
}

func NewBlocks(store *storage.Store) *Blocks {
	return &Blocks{store: store}
}

// SeedBlocks returns the standard empty persona and human blocks a
// fresh agent starts with.
func SeedBlocks(agentID string, now time.Time) []*storage.BlockRecord {
	return []*storage.BlockRecord{
		{
			AgentID:     agentID,
			Label:       LabelPersona,
			Value:       "",
			Description: "Agent's personality and behavior",
			CharLimit:   DefaultCharLimit,
			UpdatedAt:   now,
		},
		{
			AgentID:     agentID,
			Label:       LabelHuman,
			Value:       "",
			Description: "Information about the user",
			CharLimit:   DefaultCharLimit,
			UpdatedAt:   now,
		},
	}
}

// Set creates or overwrites the labeled block. New labels get the
// default limit; existing blocks keep theirs. Values past the limit
// are rejected, never truncated.
func (b *Blocks) Set(ctx context.Context, agentID, label, value string) error {
	if label == "" {
		return errors.New(errors.KindValidation, "block label is empty")
	}

	existing, err := b.store.GetBlock(ctx, agentID, label)
	if err != nil {
		return err
	}

	limit := DefaultCharLimit
	description := "User-defined block"
	if existing != nil {
		limit = existing.CharLimit
		description = existing.Description
	}

	if len(value) > limit {
		return errors.Wrap(
			errors.KindValidation,
			fmt.Sprintf("value for block %q is %d bytes, limit %d", label, len(value), limit),
			errors.ErrValueTooLarge,
		)
	}

	return b.store.UpsertBlock(ctx, &storage.BlockRecord{
		AgentID:     agentID,
		Label:       label,
		Value:       value,
		Description: description,
		CharLimit:   limit,
		UpdatedAt:   time.Now().UTC(),
	})
}

// Get reads the labeled block's value. A label that was never set
// reports found=false with no error.
func (b *Blocks) Get(ctx context.Context, agentID, label string) (string, bool, error) {
	if label == "" {
		return "", false, errors.New(errors.KindValidation, "block label is empty")
	}

	rec, err := b.store.GetBlock(ctx, agentID, label)
	if err != nil {
		return "", false, err
	}
	if rec == nil {
		return "", false, nil
	}
	return rec.Value, true, nil
}

// Append adds text on a new line. When the result would exceed the
// block's limit the oldest content falls off the front, keeping the
// most recent context intact.
func (b *Blocks) Append(ctx context.Context, agentID, label, text string) error {
	rec, err := b.store.GetBlock(ctx, agentID, label)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.Wrap(
			errors.KindNotFound,
			fmt.Sprintf("block %q not found", label),
			errors.ErrNotFound,
		)
	}

	value := rec.Value + "\n" + text
	if len(value) > rec.CharLimit {
		start := len(value) - rec.CharLimit
		for start < len(value) && !utf8.RuneStart(value[start]) {
			start++
		}
		value = value[start:]
	}

	rec.Value = value
	rec.UpdatedAt = time.Now().UTC()
	return b.store.UpsertBlock(ctx, rec)
}

func (b *Blocks) List(ctx context.Context, agentID string) ([]*storage.BlockRecord, error) {
	return b.store.ListBlocks(ctx, agentID)
}

// Render flattens the agent's blocks into the prompt section the
// conversation engine embeds, one tagged region per block in label
// order.
func (b *Blocks) Render(ctx context.Context, agentID string) (string, error) {
	blocks, err := b.store.ListBlocks(ctx, agentID)
	if err != nil {
		return "", err
	}
	return RenderBlocks(blocks), nil
}

// RenderBlocks formats already-loaded blocks without touching storage.
func RenderBlocks(blocks []*storage.BlockRecord) string {
	var sb strings.Builder
	for _, block := range blocks {
		fmt.Fprintf(&sb, "<%s_block>\n%s\n</%s_block>\n\n", block.Label, block.Value, block.Label)
	}
	return sb.String()
}
