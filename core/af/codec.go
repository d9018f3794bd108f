// Package af implements the Agent File codec: a versioned, portable
// JSON snapshot of an agent's configuration and core memory. Export
// then import onto a fresh agent reproduces the same observable
// block and config state.
package af

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/storage"
)

// Version is the schema version this codec reads and writes.
const Version = "0.1.0"

// ExportSource tags exported documents with their producer.
const ExportSource = "strata"

// Document is the Agent File wire format. Agents reference their
// blocks by id; import takes the first agent in the list.
type Document struct {
	Version  string     `json:"version"`
	Agents   []AgentDef `json:"agents"`
	Blocks   []BlockDef `json:"blocks"`
	Tools    []string   `json:"tools,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

type AgentDef struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	SystemPrompt    string   `json:"system_prompt"`
	BlockIDs        []string `json:"block_ids"`
	ArchivalFolders []string `json:"archival_folders,omitempty"`
}

type BlockDef struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	Value       string    `json:"value"`
	CharLimit   int       `json:"char_limit"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Metadata struct {
	Version      string    `json:"version"`
	ExportTime   time.Time `json:"export_time"`
	ExportSource string    `json:"export_source"`
}

// Codec reads and writes Agent Files against the agent store.
type Codec struct {
	store *storage.Store
}

func NewCodec(store *storage.Store) *Codec {
	return &Codec{store: store}
}

// Export captures the agent's config, blocks, and archival folder
// references as a schema-versioned JSON document.
func (c *Codec) Export(ctx context.Context, agentID string) (string, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", errors.Wrap(errors.KindNotFound, "export agent", errors.ErrAgentNotFound)
	}

	blocks, err := c.store.ListBlocks(ctx, agentID)
	if err != nil {
		return "", err
	}

	folders, err := c.store.ListFolders(ctx, agentID)
	if err != nil {
		return "", err
	}

	doc := Document{
		Version: Version,
		Metadata: Metadata{
			Version:      Version,
			ExportTime:   time.Now().UTC(),
			ExportSource: ExportSource,
		},
	}

	def := AgentDef{
		ID:              agent.ID,
		Name:            agent.Name,
		Provider:        agent.Provider,
		Model:           agent.Model,
		SystemPrompt:    agent.SystemPrompt,
		ArchivalFolders: folders,
	}
	for _, block := range blocks {
		id := BlockID(block.Label)
		def.BlockIDs = append(def.BlockIDs, id)
		doc.Blocks = append(doc.Blocks, BlockDef{
			ID:          id,
			Label:       block.Label,
			Description: block.Description,
			Value:       block.Value,
			CharLimit:   block.CharLimit,
			UpdatedAt:   block.UpdatedAt,
		})
	}
	doc.Agents = []AgentDef{def}

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.KindIO, "encode agent file", err)
	}
	return string(encoded), nil
}

// Import replaces the agent's config and full block set with the
// document's content. The swap is one transaction: a document that
// fails validation or a write that fails leaves prior state untouched.
func (c *Codec) Import(ctx context.Context, agentID, document string) error {
	doc, err := Decode(document)
	if err != nil {
		return err
	}

	// First agent wins when the document carries several.
	agent := doc.Resolve(0)
	now := time.Now().UTC()

	rec := &storage.AgentRecord{
		ID:           agentID,
		Name:         agent.Name,
		Provider:     agent.Provider,
		Model:        agent.Model,
		SystemPrompt: agent.SystemPrompt,
		UpdatedAt:    now,
	}

	records := make([]*storage.BlockRecord, 0, len(agent.Blocks))
	for _, block := range agent.Blocks {
		limit := block.CharLimit
		if limit <= 0 {
			limit = DefaultCharLimit
		}
		records = append(records, &storage.BlockRecord{
			AgentID:     agentID,
			Label:       block.Label,
			Value:       block.Value,
			Description: block.Description,
			CharLimit:   limit,
			UpdatedAt:   now,
		})
	}

	return c.store.ReplaceAgentState(ctx, rec, records)
}

// DefaultCharLimit backstops imported blocks that omit a limit.
const DefaultCharLimit = 2000

// ResolvedAgent is an agent definition with its block references
// resolved to the referenced blocks.
type ResolvedAgent struct {
	AgentDef
	Blocks []BlockDef
}

// Decode validates and parses an Agent File without touching storage.
// It enforces UTF-8, structural validity, a supported schema version,
// and the presence of at least one agent.
func Decode(document string) (*Document, error) {
	if !utf8.ValidString(document) {
		return nil, errors.Wrap(errors.KindValidation, "agent file", errors.ErrInvalidUTF8)
	}

	var doc Document
	decoder := json.NewDecoder(strings.NewReader(document))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "decode agent file", errors.ErrMalformed)
	}

	if doc.Version != Version {
		return nil, errors.Wrap(
			errors.KindValidation,
			"agent file version "+doc.Version,
			errors.ErrUnsupportedVersion,
		)
	}
	if len(doc.Agents) == 0 {
		return nil, errors.Wrap(errors.KindValidation, "agent file has no agents", errors.ErrMalformed)
	}
	for _, block := range doc.Blocks {
		if block.Label == "" {
			return nil, errors.Wrap(errors.KindValidation, "agent file block without label", errors.ErrMalformed)
		}
	}
	return &doc, nil
}

// BlockID derives the stable document id for a labeled block.
func BlockID(label string) string {
	return "block_" + label
}

// Resolve materializes the indexed agent definition with its block
// references resolved against this document. Unknown references are
// skipped rather than failing the whole import.
func (d *Document) Resolve(index int) ResolvedAgent {
	def := d.Agents[index]
	byID := make(map[string]BlockDef, len(d.Blocks))
	for _, block := range d.Blocks {
		byID[block.ID] = block
	}

	resolved := ResolvedAgent{AgentDef: def}
	for _, id := range def.BlockIDs {
		if block, ok := byID[id]; ok {
			resolved.Blocks = append(resolved.Blocks, block)
		}
	}
	return resolved
}
