package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/strata/core/errors"
)

func TestCreateAgentSeedsEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	agent := makeAgent(t, store, "seeded")

	loaded, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, agent.Name, loaded.Name)
	assert.Equal(t, agent.Provider, loaded.Provider)
	assert.Equal(t, agent.Model, loaded.Model)

	blocks, err := store.ListBlocks(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "human", blocks[0].Label)
	assert.Equal(t, "persona", blocks[1].Label)
	assert.Empty(t, blocks[0].Value, "seed blocks start empty")

	sync, err := store.GetSyncState(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, sync)
	assert.EqualValues(t, 0, sync.LocalVersion)
	assert.EqualValues(t, 0, sync.CloudVersion)
	assert.False(t, sync.Dirty)
	assert.Nil(t, sync.LastSyncedAt)

	conv, err := store.GetConversationState(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "idle", conv.Phase)
}

func TestGetAgentAbsent(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.GetAgent(testContext(t), "no-such-agent")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDeleteAgentCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	agent := makeAgent(t, store, "doomed")
	seedArchival(t, store, agent.ID, "default", 3)
	require.NoError(t, store.AppendMessage(ctx, makeMessage(agent.ID, "user", "hello")))

	require.NoError(t, store.DeleteAgent(ctx, agent.ID))

	loaded, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	blocks, err := store.ListBlocks(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, blocks)

	count, err := store.CountArchival(ctx, agent.ID, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	msgs, err := store.ListMessages(ctx, agent.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	sync, err := store.GetSyncState(ctx, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, sync)
}

func TestListAgents(t *testing.T) {
	store := newTestStore(t)
	makeAgent(t, store, "first")
	makeAgent(t, store, "second")

	agents, err := store.ListAgents(testContext(t))
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestReplaceAgentStateSwapsBlocks(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	agent := makeAgent(t, store, "replaced")
	require.NoError(t, store.UpsertBlock(ctx, makeBlock(agent.ID, "scratch", "old notes")))

	now := time.Now().UTC()
	updated := &AgentRecord{
		ID:           agent.ID,
		Name:         "imported",
		Provider:     "openai",
		Model:        "gpt-4o",
		SystemPrompt: "Imported prompt.",
		UpdatedAt:    now,
	}
	incoming := []*BlockRecord{
		{AgentID: agent.ID, Label: "persona", Value: "imported persona", CharLimit: 2000, UpdatedAt: now},
	}
	require.NoError(t, store.ReplaceAgentState(ctx, updated, incoming))

	loaded, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "imported", loaded.Name)
	assert.Equal(t, "openai", loaded.Provider)

	blocks, err := store.ListBlocks(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 1, "prior blocks should be replaced wholesale")
	assert.Equal(t, "persona", blocks[0].Label)
	assert.Equal(t, "imported persona", blocks[0].Value)

	sync, err := store.GetSyncState(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, sync.Dirty, "replace counts as a local mutation")
}

func TestReplaceAgentStateUnknownAgent(t *testing.T) {
	store := newTestStore(t)

	err := store.ReplaceAgentState(testContext(t), &AgentRecord{ID: "ghost", UpdatedAt: time.Now().UTC()}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAgentNotFound))
}
