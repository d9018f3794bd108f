package sync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/adalundhe/strata/core/af"
	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/storage"
)

// Outcome reports what one reconciliation did.
type Outcome struct {
	Pushed       bool       `json:"pushed"`
	PulledRemote bool       `json:"pulled_remote"`
	Conflicts    []Conflict `json:"conflicts,omitempty"`
	CloudVersion int64      `json:"cloud_version"`
	LocalVersion int64      `json:"local_version"`
}

// Coordinator owns the process-wide sync configuration and runs
// per-agent reconciliations. Configure must succeed before Sync; an
// unconfigured Sync is a state error, not a network one.
type Coordinator struct {
	store  *storage.Store
	codec  *af.Codec
	logger *slog.Logger

	mu     sync.RWMutex
	config *Config
	client *Client
}

func NewCoordinator(store *storage.Store, codec *af.Codec, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		store:  store,
		codec:  codec,
		logger: logger.With("component", "sync"),
	}
}

// Configure parses and installs the process-wide sync settings,
// replacing any previous configuration.
func (c *Coordinator) Configure(payload string) error {
	cfg, err := ParseConfig(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
	c.client = NewClient(cfg)
	return nil
}

// Configured reports whether sync settings are installed.
func (c *Coordinator) Configured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config != nil
}

// Sync reconciles one agent against the remote. The merged state lands
// in one transaction before the push, so any failure leaves local
// state either pre-sync or strictly forward, never mixed.
func (c *Coordinator) Sync(ctx context.Context, agentID string) (*Outcome, error) {
	c.mu.RLock()
	cfg, client := c.config, c.client
	c.mu.RUnlock()

	if cfg == nil {
		return nil, errors.Wrap(errors.KindState, "sync", errors.ErrNotConfigured)
	}

	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errors.Wrap(errors.KindNotFound, "sync agent", errors.ErrAgentNotFound)
	}

	state, err := c.store.GetSyncState(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &storage.SyncStateRecord{AgentID: agentID}
	}

	outcome := &Outcome{}

	remoteDoc, found, err := client.Pull(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if found {
		outcome.PulledRemote = true
		if err := c.mergeRemote(ctx, cfg, agent, remoteDoc, outcome); err != nil {
			return nil, err
		}
	}

	// Export after the merge so the push carries the reconciled state.
	document, err := c.codec.Export(ctx, agentID)
	if err != nil {
		return nil, err
	}

	// Re-read the cursor: the merge write bumped local_version.
	state, err = c.store.GetSyncState(ctx, agentID)
	if err != nil {
		return nil, err
	}

	response, err := client.Sync(ctx, &SyncRequest{
		AgentID:      agentID,
		AgentFile:    document,
		LocalVersion: state.LocalVersion,
		DeviceID:     cfg.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	outcome.Pushed = true
	outcome.CloudVersion = response.CloudVersion
	outcome.LocalVersion = state.LocalVersion

	now := time.Now().UTC()
	state.CloudVersion = response.CloudVersion
	state.LastSyncedAt = &now
	state.Dirty = false
	if err := c.store.PutSyncState(ctx, state); err != nil {
		return nil, err
	}

	c.logger.Info("agent synced",
		"agent", agentID,
		"cloud_version", response.CloudVersion,
		"conflicts", len(outcome.Conflicts))
	return outcome, nil
}

// mergeRemote resolves the remote snapshot against local state and,
// when any remote value won, rewrites agent state in one transaction.
func (c *Coordinator) mergeRemote(ctx context.Context, cfg *Config, agent *storage.AgentRecord, remoteDoc string, outcome *Outcome) error {
	doc, err := af.Decode(remoteDoc)
	if err != nil {
		return errors.Wrap(errors.KindNetwork, "remote agent file is invalid", err)
	}
	remote := doc.Resolve(0)

	local, err := c.store.ListBlocks(ctx, agent.ID)
	if err != nil {
		return err
	}

	merged := mergeBlocks(cfg, local, remote.Blocks, agent.ID)
	outcome.Conflicts = merged.conflicts

	if !merged.remoteWon {
		return nil
	}

	agent.UpdatedAt = time.Now().UTC()
	return c.store.ReplaceAgentState(ctx, agent, merged.blocks)
}
