package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/strata/core/af"
	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/storage"
)

// =============================================================================
// Test Fixtures & Factories
// =============================================================================

// fakeCloud is an in-memory stand-in for the sync service.
type fakeCloud struct {
	t *testing.T

	// remoteFiles maps agent id to the stored agent file.
	remoteFiles map[string]string

	cloudVersion int64
	failSync     int // HTTP status to fail /sync with; 0 means succeed
	unauthorized bool

	syncCalls int
}

func (f *fakeCloud) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/agents/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		if f.unauthorized {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		doc, ok := f.remoteFiles[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, doc)
	})
	mux.HandleFunc("POST /v1/agents/sync", func(w http.ResponseWriter, r *http.Request) {
		f.syncCalls++
		if f.unauthorized {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.failSync != 0 {
			w.WriteHeader(f.failSync)
			return
		}

		var req SyncRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.remoteFiles[req.AgentID] = req.AgentFile
		f.cloudVersion++

		json.NewEncoder(w).Encode(SyncResponse{
			CloudVersion: f.cloudVersion,
			Status:       "ok",
		})
	})
	return mux
}

type syncHarness struct {
	coordinator *Coordinator
	store       *storage.Store
	cloud       *fakeCloud
	server      *httptest.Server
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	store, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cloud := &fakeCloud{t: t, remoteFiles: make(map[string]string)}
	server := httptest.NewServer(cloud.handler())
	t.Cleanup(server.Close)

	return &syncHarness{
		coordinator: NewCoordinator(store, af.NewCodec(store), nil),
		store:       store,
		cloud:       cloud,
		server:      server,
	}
}

func (h *syncHarness) configure(t *testing.T, extra string) {
	t.Helper()
	payload := fmt.Sprintf(`{"endpoint": %q, "api_key": "key-123"%s}`, h.server.URL, extra)
	require.NoError(t, h.coordinator.Configure(payload))
}

func (h *syncHarness) makeAgent(t *testing.T, name string, blocks ...*storage.BlockRecord) string {
	t.Helper()
	now := time.Now().UTC()
	rec := &storage.AgentRecord{
		ID:           name + "-id",
		Name:         name,
		Provider:     "scripted",
		Model:        "scripted",
		SystemPrompt: "assist",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, block := range blocks {
		block.AgentID = rec.ID
	}
	require.NoError(t, h.store.CreateAgent(context.Background(), rec, blocks))
	return rec.ID
}

func makeBlock(label, value string, updatedAt time.Time) *storage.BlockRecord {
	return &storage.BlockRecord{
		Label:     label,
		Value:     value,
		CharLimit: 2000,
		UpdatedAt: updatedAt,
	}
}

// remoteFile builds a valid agent file holding the given blocks.
func remoteFile(t *testing.T, name string, blocks ...af.BlockDef) string {
	t.Helper()
	doc := af.Document{
		Version: af.Version,
		Agents: []af.AgentDef{{
			ID: name, Name: name, Provider: "scripted", Model: "scripted",
		}},
		Blocks: blocks,
		Metadata: af.Metadata{
			Version: af.Version, ExportTime: time.Now().UTC(), ExportSource: af.ExportSource,
		},
	}
	for _, block := range blocks {
		doc.Agents[0].BlockIDs = append(doc.Agents[0].BlockIDs, block.ID)
	}
	encoded, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(encoded)
}

// =============================================================================
// Configuration
// =============================================================================

func TestConfigureValidation(t *testing.T) {
	h := newSyncHarness(t)

	cases := map[string]string{
		"missing api key": `{"endpoint": "https://example.com"}`,
		"bad endpoint":    `{"endpoint": "ftp://example.com", "api_key": "k"}`,
		"bad glob":        `{"api_key": "k", "exclude_labels": ["[unclosed"]}`,
		"malformed":       `{"endpoint"`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			err := h.coordinator.Configure(payload)
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.KindOf(err))
		})
	}

	assert.False(t, h.coordinator.Configured())
	require.NoError(t, h.coordinator.Configure(`{"api_key": "k"}`))
	assert.True(t, h.coordinator.Configured(), "defaults fill endpoint and device id")
}

func TestSyncBeforeConfigureIsStateError(t *testing.T) {
	h := newSyncHarness(t)
	agent := h.makeAgent(t, "early")

	_, err := h.coordinator.Sync(context.Background(), agent)
	require.Error(t, err)
	assert.Equal(t, errors.KindState, errors.KindOf(err))
	assert.ErrorIs(t, err, errors.ErrNotConfigured)
}

// =============================================================================
// Reconciliation
// =============================================================================

func TestFirstSyncPushesAndAdvancesCursor(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, "")
	agent := h.makeAgent(t, "fresh", makeBlock("persona", "helpful", time.Now().UTC()))
	ctx := context.Background()

	outcome, err := h.coordinator.Sync(ctx, agent)
	require.NoError(t, err)

	assert.True(t, outcome.Pushed)
	assert.False(t, outcome.PulledRemote, "no remote copy existed yet")
	assert.Empty(t, outcome.Conflicts)
	assert.Equal(t, int64(1), outcome.CloudVersion)

	state, err := h.store.GetSyncState(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.CloudVersion)
	assert.False(t, state.Dirty)
	assert.NotNil(t, state.LastSyncedAt)

	assert.Contains(t, h.cloud.remoteFiles[agent], "persona", "remote received the agent file")
}

func TestSyncConflictLocalNewerWins(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, "")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agent := h.makeAgent(t, "localwin", makeBlock("notes", "local value", base.Add(time.Hour)))
	h.cloud.remoteFiles[agent] = remoteFile(t, "localwin", af.BlockDef{
		ID: af.BlockID("notes"), Label: "notes", Value: "remote value",
		CharLimit: 2000, UpdatedAt: base,
	})

	ctx := context.Background()
	outcome, err := h.coordinator.Sync(ctx, agent)
	require.NoError(t, err)

	require.Len(t, outcome.Conflicts, 1)
	assert.Equal(t, WinnerLocal, outcome.Conflicts[0].Winner)

	block, err := h.store.GetBlock(ctx, agent, "notes")
	require.NoError(t, err)
	assert.Equal(t, "local value", block.Value)
}

func TestSyncConflictRemoteNewerWins(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, "")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agent := h.makeAgent(t, "remotewin", makeBlock("notes", "local value", base))
	h.cloud.remoteFiles[agent] = remoteFile(t, "remotewin", af.BlockDef{
		ID: af.BlockID("notes"), Label: "notes", Value: "remote value",
		CharLimit: 2000, UpdatedAt: base.Add(time.Hour),
	})

	ctx := context.Background()
	outcome, err := h.coordinator.Sync(ctx, agent)
	require.NoError(t, err)

	require.Len(t, outcome.Conflicts, 1)
	assert.Equal(t, WinnerRemote, outcome.Conflicts[0].Winner)

	block, err := h.store.GetBlock(ctx, agent, "notes")
	require.NoError(t, err)
	assert.Equal(t, "remote value", block.Value)
}

func TestSyncConflictTieKeepsLocal(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, "")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agent := h.makeAgent(t, "tied", makeBlock("notes", "local value", base))
	h.cloud.remoteFiles[agent] = remoteFile(t, "tied", af.BlockDef{
		ID: af.BlockID("notes"), Label: "notes", Value: "remote value",
		CharLimit: 2000, UpdatedAt: base,
	})

	ctx := context.Background()
	outcome, err := h.coordinator.Sync(ctx, agent)
	require.NoError(t, err)

	require.Len(t, outcome.Conflicts, 1)
	assert.Equal(t, WinnerLocal, outcome.Conflicts[0].Winner, "explicit tie-break: local wins")

	block, err := h.store.GetBlock(ctx, agent, "notes")
	require.NoError(t, err)
	assert.Equal(t, "local value", block.Value)
}

func TestSyncAdoptsRemoteOnlyBlocks(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, "")

	agent := h.makeAgent(t, "adopter", makeBlock("persona", "kept", time.Now().UTC()))
	h.cloud.remoteFiles[agent] = remoteFile(t, "adopter",
		af.BlockDef{
			ID: af.BlockID("persona"), Label: "persona", Value: "kept",
			CharLimit: 2000, UpdatedAt: time.Now().UTC(),
		},
		af.BlockDef{
			ID: af.BlockID("imported"), Label: "imported", Value: "from the cloud",
			CharLimit: 2000, UpdatedAt: time.Now().UTC(),
		},
	)

	ctx := context.Background()
	outcome, err := h.coordinator.Sync(ctx, agent)
	require.NoError(t, err)
	assert.Empty(t, outcome.Conflicts, "one-sided blocks are not conflicts")

	block, err := h.store.GetBlock(ctx, agent, "imported")
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, "from the cloud", block.Value)
}

func TestSyncExcludedLabelsKeepLocal(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, `, "exclude_labels": ["secret*"]`)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agent := h.makeAgent(t, "excluded", makeBlock("secret_sauce", "local only", base))
	h.cloud.remoteFiles[agent] = remoteFile(t, "excluded", af.BlockDef{
		ID: af.BlockID("secret_sauce"), Label: "secret_sauce", Value: "remote intrusion",
		CharLimit: 2000, UpdatedAt: base.Add(time.Hour),
	})

	ctx := context.Background()
	outcome, err := h.coordinator.Sync(ctx, agent)
	require.NoError(t, err)
	assert.Empty(t, outcome.Conflicts, "excluded labels sit outside conflict accounting")

	block, err := h.store.GetBlock(ctx, agent, "secret_sauce")
	require.NoError(t, err)
	assert.Equal(t, "local only", block.Value, "newer remote cannot displace an excluded block")
}

// =============================================================================
// Failure modes
// =============================================================================

func TestSyncAuthFailure(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, "")
	h.cloud.unauthorized = true
	agent := h.makeAgent(t, "denied")

	_, err := h.coordinator.Sync(context.Background(), agent)
	require.Error(t, err)
	assert.Equal(t, errors.KindAuth, errors.KindOf(err))
	assert.False(t, errors.Retryable(err), "auth failures need reconfiguration, not retries")
}

func TestSyncNetworkFailureLeavesStateRetryable(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, "")
	h.cloud.failSync = http.StatusBadGateway
	agent := h.makeAgent(t, "flaky", makeBlock("persona", "stable", time.Now().UTC()))
	ctx := context.Background()

	_, err := h.coordinator.Sync(ctx, agent)
	require.Error(t, err)
	assert.Equal(t, errors.KindNetwork, errors.KindOf(err))
	assert.True(t, errors.Retryable(err))

	// Local state is untouched and still flagged for sync.
	block, err := h.store.GetBlock(ctx, agent, "persona")
	require.NoError(t, err)
	assert.Equal(t, "stable", block.Value)

	state, err := h.store.GetSyncState(ctx, agent)
	require.NoError(t, err)
	assert.True(t, state.Dirty, "cursor did not advance on failure")

	// The retry succeeds once the service recovers.
	h.cloud.failSync = 0
	outcome, err := h.coordinator.Sync(ctx, agent)
	require.NoError(t, err)
	assert.True(t, outcome.Pushed)
}

func TestSyncUnknownAgent(t *testing.T) {
	h := newSyncHarness(t)
	h.configure(t, "")

	_, err := h.coordinator.Sync(context.Background(), "nobody")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
