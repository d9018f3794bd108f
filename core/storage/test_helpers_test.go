package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// =============================================================================
// Test Fixtures & Factories
// =============================================================================

// newTestStore opens a store rooted in a temp directory
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// makeAgent creates and persists a test agent with seed blocks
func makeAgent(t *testing.T, store *Store, name string) *AgentRecord {
	t.Helper()
	now := time.Now().UTC()
	rec := &AgentRecord{
		ID:           uuid.NewString(),
		Name:         name,
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "You are a helpful assistant.",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	seed := []*BlockRecord{
		{AgentID: rec.ID, Label: "persona", Value: "", CharLimit: 2000, UpdatedAt: now},
		{AgentID: rec.ID, Label: "human", Value: "", CharLimit: 2000, UpdatedAt: now},
	}
	if err := store.CreateAgent(context.Background(), rec, seed); err != nil {
		t.Fatalf("failed to create agent %s: %v", name, err)
	}
	return rec
}

// makeBlock builds an unsaved block record
func makeBlock(agentID, label, value string) *BlockRecord {
	return &BlockRecord{
		AgentID:   agentID,
		Label:     label,
		Value:     value,
		CharLimit: 2000,
		UpdatedAt: time.Now().UTC(),
	}
}

// makeArchival builds an unsaved archival record
func makeArchival(agentID, folder, content string) *ArchivalRecord {
	return &ArchivalRecord{
		ID:        ulid.Make().String(),
		AgentID:   agentID,
		Folder:    folder,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// makeMessage builds an unsaved message record
func makeMessage(agentID, role, content string) *MessageRecord {
	return &MessageRecord{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// seedArchival appends n entries to a folder
func seedArchival(t *testing.T, store *Store, agentID, folder string, n int) []*ArchivalRecord {
	t.Helper()
	records := make([]*ArchivalRecord, n)
	for i := 0; i < n; i++ {
		rec := makeArchival(agentID, folder, fmt.Sprintf("entry %d about sensor readings", i))
		if _, err := store.InsertArchival(context.Background(), rec); err != nil {
			t.Fatalf("failed to seed archival entry %d: %v", i, err)
		}
		records[i] = rec
	}
	return records
}

// =============================================================================
// Concurrency Helpers
// =============================================================================

// runConcurrent runs a function n times concurrently and waits for completion
func runConcurrent(t *testing.T, n int, fn func(i int)) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			fn(idx)
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// Context Helpers
// =============================================================================

// testContext returns a context with a reasonable timeout for tests
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
