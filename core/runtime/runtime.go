package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/adalundhe/strata/core/af"
	"github.com/adalundhe/strata/core/archival"
	"github.com/adalundhe/strata/core/conversation"
	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/memory"
	"github.com/adalundhe/strata/core/providers"
	"github.com/adalundhe/strata/core/storage"
	cloudsync "github.com/adalundhe/strata/core/sync"
)

// Config carries the collaborators the runtime composes. Zero value is
// usable: a scripted-only provider registry, default hash embedder,
// default conversation limits, and a discard logger.
type Config struct {
	Providers    *providers.Registry
	Embedder     archival.Embedder
	Conversation conversation.Config
	Logger       *slog.Logger
}

// AgentConfig is the JSON payload accepted by CreateAgent.
type AgentConfig struct {
	Name         string            `json:"name"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Blocks       []AgentBlockSeed  `json:"blocks,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AgentBlockSeed seeds or overrides a memory block at creation time.
type AgentBlockSeed struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	CharLimit   int    `json:"char_limit,omitempty"`
}

// Runtime is the lifecycle manager and single operation surface: it
// owns the storage-bound services and dispatches every public
// operation through a generational handle. Operations on one handle
// serialize; distinct handles proceed independently.
type Runtime struct {
	mu       sync.RWMutex // guards the storage-bound service fields
	handles  *handleTable
	registry *providers.Registry
	convCfg  conversation.Config
	embedder archival.Embedder
	lastErr  *errors.Recorder
	logger   *slog.Logger

	store       *storage.Store
	blocks      *memory.Blocks
	archive     *archival.Service
	codec       *af.Codec
	engine      *conversation.Engine
	coordinator *cloudsync.Coordinator
}

// New builds a runtime. Storage stays closed until InitStorage.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	registry := cfg.Providers
	if registry == nil {
		registry = providers.NewRegistry()
		registry.RegisterScripted()
	}

	return &Runtime{
		handles:  newHandleTable(),
		registry: registry,
		convCfg:  cfg.Conversation,
		embedder: cfg.Embedder,
		lastErr:  errors.NewRecorder(),
		logger:   logger.With("component", "runtime"),
	}
}

// InitStorage opens the agent store at path and wires the services
// that depend on it. Calling it twice is a state error; Close first.
func (r *Runtime) InitStorage(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		return r.fail(errors.New(errors.KindState, "storage is already initialized"))
	}

	store, err := storage.Open(ctx, path)
	if err != nil {
		return r.fail(err)
	}

	// Memoize embeddings regardless of which embedder was configured;
	// the service closes the cache when it shuts down.
	base := r.embedder
	if base == nil {
		base = archival.NewHashEmbedder(archival.DefaultDimension)
	}
	embedder, err := archival.NewCachedEmbedder(base)
	if err != nil {
		store.Close()
		return r.fail(err)
	}

	archive, err := archival.NewService(store, archival.Config{Embedder: embedder})
	if err != nil {
		embedder.Close()
		store.Close()
		return r.fail(err)
	}

	blocks := memory.NewBlocks(store)
	engine, err := conversation.NewEngine(store, blocks, archive, r.registry, r.convCfg)
	if err != nil {
		archive.Close()
		store.Close()
		return r.fail(err)
	}

	codec := af.NewCodec(store)

	r.store = store
	r.blocks = blocks
	r.archive = archive
	r.codec = codec
	r.engine = engine
	r.coordinator = cloudsync.NewCoordinator(store, codec, r.logger)

	r.logger.Info("storage initialized", "path", path)
	return nil
}

// Close releases every live handle and shuts the services down.
// Idempotent.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store == nil {
		return nil
	}

	r.handles.releaseAll()
	r.engine.Close()
	r.archive.Close()
	err := r.store.Close()

	r.store = nil
	r.blocks = nil
	r.archive = nil
	r.codec = nil
	r.engine = nil
	r.coordinator = nil
	return r.fail(err)
}

// =============================================================================
// Lifecycle
// =============================================================================

// CreateAgent validates the configuration, persists a new agent seeded
// with the default persona/human blocks, and returns a live handle.
func (r *Runtime) CreateAgent(ctx context.Context, configJSON string) (Handle, error) {
	if err := r.ready(); err != nil {
		return NilHandle, r.fail(err)
	}

	cfg, err := parseAgentConfig(configJSON)
	if err != nil {
		return NilHandle, r.fail(err)
	}

	now := time.Now().UTC()
	rec := &storage.AgentRecord{
		ID:           uuid.NewString(),
		Name:         cfg.Name,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	seed := seedBlocks(rec.ID, cfg, now)
	if err := r.store.CreateAgent(ctx, rec, seed); err != nil {
		return NilHandle, r.fail(err)
	}

	handle := r.handles.allocate(rec.ID)
	r.logger.Info("agent created", "agent_id", rec.ID, "name", cfg.Name, "provider", cfg.Provider)
	return handle, nil
}

// OpenAgent returns a handle for a persisted agent. If the agent is
// already open the existing handle is returned; no two live handles
// reference the same agent.
func (r *Runtime) OpenAgent(ctx context.Context, agentID string) (Handle, error) {
	if err := r.ready(); err != nil {
		return NilHandle, r.fail(err)
	}

	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return NilHandle, r.fail(err)
	}
	if agent == nil {
		return NilHandle, r.fail(errors.Wrap(errors.KindNotFound, "open agent "+agentID, errors.ErrAgentNotFound))
	}

	return r.handles.allocate(agent.ID), nil
}

// FreeAgent invalidates the handle and releases its in-memory
// resources. Freeing an already-freed handle is a no-op; persisted
// agent state is untouched.
func (r *Runtime) FreeAgent(handle Handle) {
	if agentID := r.handles.release(handle); agentID != "" {
		r.mu.RLock()
		if r.engine != nil {
			r.engine.Forget(agentID)
		}
		r.mu.RUnlock()
	}
}

// DeleteAgent removes the agent's persisted state and frees the handle.
func (r *Runtime) DeleteAgent(ctx context.Context, handle Handle) error {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return r.fail(err)
	}

	err = r.store.DeleteAgent(ctx, agentID)
	unlock()
	if err != nil {
		return r.fail(err)
	}

	r.FreeAgent(handle)
	r.logger.Info("agent deleted", "agent_id", agentID)
	return nil
}

// ListAgents returns every persisted agent, open or not.
func (r *Runtime) ListAgents(ctx context.Context) ([]*storage.AgentRecord, error) {
	if err := r.ready(); err != nil {
		return nil, r.fail(err)
	}
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, r.fail(err)
	}
	return agents, nil
}

// AgentID resolves a handle to its persisted agent id.
func (r *Runtime) AgentID(handle Handle) (string, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return "", r.fail(err)
	}
	unlock()
	return agentID, nil
}

// =============================================================================
// Memory blocks
// =============================================================================

// SetBlock creates or overwrites a named block.
func (r *Runtime) SetBlock(ctx context.Context, handle Handle, label, value string) error {
	if !utf8.ValidString(label) || !utf8.ValidString(value) {
		return r.fail(errors.Wrap(errors.KindValidation, "set block", errors.ErrInvalidUTF8))
	}

	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return r.fail(err)
	}
	defer unlock()

	return r.fail(r.blocks.Set(ctx, agentID, label, value))
}

// GetBlock returns the block's value and a presence flag. An unknown
// label is absence, never an error.
func (r *Runtime) GetBlock(ctx context.Context, handle Handle, label string) (string, bool, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return "", false, r.fail(err)
	}
	defer unlock()

	value, found, err := r.blocks.Get(ctx, agentID, label)
	return value, found, r.fail(err)
}

// AppendBlock appends text to a block, truncating from the front when
// the result would exceed the block's character limit.
func (r *Runtime) AppendBlock(ctx context.Context, handle Handle, label, text string) error {
	if !utf8.ValidString(label) || !utf8.ValidString(text) {
		return r.fail(errors.Wrap(errors.KindValidation, "append block", errors.ErrInvalidUTF8))
	}

	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return r.fail(err)
	}
	defer unlock()

	return r.fail(r.blocks.Append(ctx, agentID, label, text))
}

// ListBlocks returns the agent's blocks ordered by label.
func (r *Runtime) ListBlocks(ctx context.Context, handle Handle) ([]*storage.BlockRecord, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return nil, r.fail(err)
	}
	defer unlock()

	blocks, err := r.blocks.List(ctx, agentID)
	if err != nil {
		return nil, r.fail(err)
	}
	return blocks, nil
}

// =============================================================================
// Archival memory
// =============================================================================

// AppendArchival appends an immutable entry to the folder and returns
// its assigned id and in-folder sequence number.
func (r *Runtime) AppendArchival(ctx context.Context, handle Handle, folder, text string) (archival.EntryID, error) {
	if !utf8.ValidString(folder) || !utf8.ValidString(text) {
		return archival.EntryID{}, r.fail(errors.Wrap(errors.KindValidation, "append archival", errors.ErrInvalidUTF8))
	}

	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return archival.EntryID{}, r.fail(err)
	}
	defer unlock()

	id, err := r.archive.Append(ctx, agentID, folder, text)
	return id, r.fail(err)
}

// SearchArchival returns up to topK entries ranked by relevance across
// all of the agent's folders.
func (r *Runtime) SearchArchival(ctx context.Context, handle Handle, query string, topK int) ([]archival.ScoredEntry, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return nil, r.fail(err)
	}
	defer unlock()

	entries, err := r.archive.Search(ctx, agentID, query, topK)
	if err != nil {
		return nil, r.fail(err)
	}
	return entries, nil
}

// ArchivalFolders lists the folders holding at least one entry.
func (r *Runtime) ArchivalFolders(ctx context.Context, handle Handle) ([]string, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return nil, r.fail(err)
	}
	defer unlock()

	folders, err := r.archive.Folders(ctx, agentID)
	if err != nil {
		return nil, r.fail(err)
	}
	return folders, nil
}

// SearchArchivalFolder restricts SearchArchival to one folder.
func (r *Runtime) SearchArchivalFolder(ctx context.Context, handle Handle, folder, query string, topK int) ([]archival.ScoredEntry, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return nil, r.fail(err)
	}
	defer unlock()

	entries, err := r.archive.SearchFolder(ctx, agentID, folder, query, topK)
	if err != nil {
		return nil, r.fail(err)
	}
	return entries, nil
}

// =============================================================================
// Agent File
// =============================================================================

// ExportAF serializes the agent to a versioned Agent File document.
func (r *Runtime) ExportAF(ctx context.Context, handle Handle) (string, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return "", r.fail(err)
	}
	defer unlock()

	doc, err := r.codec.Export(ctx, agentID)
	return doc, r.fail(err)
}

// LoadAF replaces the agent's blocks and configuration with the
// document's content in one transaction.
func (r *Runtime) LoadAF(ctx context.Context, handle Handle, document string) error {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return r.fail(err)
	}
	defer unlock()

	return r.fail(r.codec.Import(ctx, agentID, document))
}

// =============================================================================
// Conversation
// =============================================================================

// Converse runs one conversational turn and returns the structured
// response JSON. A payload carrying tool results resumes a suspended
// turn instead of starting a new one.
func (r *Runtime) Converse(ctx context.Context, handle Handle, messageJSON string) (string, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return "", r.fail(err)
	}
	defer unlock()

	result, err := r.engine.Converse(ctx, agentID, messageJSON)
	if err != nil {
		return "", r.fail(err)
	}

	encoded, err := result.Encode()
	return encoded, r.fail(err)
}

// =============================================================================
// Cloud sync
// =============================================================================

// ConfigureSync sets the process-wide sync endpoint and credentials.
func (r *Runtime) ConfigureSync(configJSON string) error {
	if err := r.ready(); err != nil {
		return r.fail(err)
	}
	return r.fail(r.coordinator.Configure(configJSON))
}

// SyncWithCloud reconciles the agent with its remote copy.
func (r *Runtime) SyncWithCloud(ctx context.Context, handle Handle) (*cloudsync.Outcome, error) {
	agentID, unlock, err := r.acquire(handle)
	if err != nil {
		return nil, r.fail(err)
	}
	defer unlock()

	outcome, err := r.coordinator.Sync(ctx, agentID)
	if err != nil {
		return nil, r.fail(err)
	}
	return outcome, nil
}

// =============================================================================
// Diagnostics
// =============================================================================

// LastError returns a snapshot of the most recent failure, or nil.
func (r *Runtime) LastError() *errors.Record {
	return r.lastErr.Last()
}

// =============================================================================
// Internals
// =============================================================================

func (r *Runtime) ready() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.store == nil {
		return errors.New(errors.KindState, "storage is not initialized")
	}
	return nil
}

// acquire validates readiness, resolves the handle, and takes the
// agent's operation lock.
func (r *Runtime) acquire(handle Handle) (string, func(), error) {
	if err := r.ready(); err != nil {
		return "", nil, err
	}
	return r.handles.acquire(handle)
}

func (r *Runtime) fail(err error) error {
	if err != nil {
		r.lastErr.Record(err)
	}
	return err
}

func parseAgentConfig(payload string) (*AgentConfig, error) {
	if !utf8.ValidString(payload) {
		return nil, errors.Wrap(errors.KindValidation, "agent config", errors.ErrInvalidUTF8)
	}

	var cfg AgentConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "agent config is not valid JSON", err)
	}

	if cfg.Name == "" {
		return nil, errors.New(errors.KindValidation, "agent name is required")
	}
	if !providers.Known(cfg.Provider) {
		return nil, errors.Newf(errors.KindValidation, "unrecognized provider %q", cfg.Provider)
	}
	for _, block := range cfg.Blocks {
		if block.Label == "" {
			return nil, errors.New(errors.KindValidation, "seed block without a label")
		}
	}
	return &cfg, nil
}

// seedBlocks merges the default persona/human blocks with any seeds
// from the configuration; a seed with a default's label overrides it.
func seedBlocks(agentID string, cfg *AgentConfig, now time.Time) []*storage.BlockRecord {
	byLabel := make(map[string]int)
	seeds := memory.SeedBlocks(agentID, now)
	for i, block := range seeds {
		byLabel[block.Label] = i
	}

	for _, seed := range cfg.Blocks {
		rec := &storage.BlockRecord{
			AgentID:     agentID,
			Label:       seed.Label,
			Value:       seed.Value,
			Description: seed.Description,
			CharLimit:   seed.CharLimit,
			UpdatedAt:   now,
		}
		if rec.CharLimit <= 0 {
			rec.CharLimit = memory.DefaultCharLimit
		}
		if i, exists := byLabel[seed.Label]; exists {
			seeds[i] = rec
			continue
		}
		byLabel[seed.Label] = len(seeds)
		seeds = append(seeds, rec)
	}
	return seeds
}
