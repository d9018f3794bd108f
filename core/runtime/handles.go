package runtime

import (
	"sync"

	"github.com/adalundhe/strata/core/errors"
)

// Handle is an opaque reference to a live agent. It packs a 32-bit slot
// index in the high word and a 32-bit generation in the low word; the
// slot's generation increments when the handle is freed, so a stale
// handle can never alias an agent created later in the same slot.
type Handle uint64

// NilHandle is never valid: generations start at 1.
const NilHandle Handle = 0

func packHandle(index, generation uint32) Handle {
	return Handle(uint64(index)<<32 | uint64(generation))
}

func (h Handle) split() (index, generation uint32) {
	return uint32(uint64(h) >> 32), uint32(uint64(h) & 0xffffffff)
}

// slotState is one entry in the handle table. Its mutex is the agent's
// exclusive operation lock: held for the duration of every operation
// dispatched through the handle.
type slotState struct {
	mu      sync.Mutex
	gen     uint32
	agentID string
	live    bool
}

// handleTable maps handles to agent ids. At most one live handle exists
// per agent: re-opening an open agent returns the handle already issued.
type handleTable struct {
	mu      sync.Mutex
	slots   []*slotState
	free    []uint32
	byAgent map[string]Handle
}

func newHandleTable() *handleTable {
	return &handleTable{byAgent: make(map[string]Handle)}
}

func (t *handleTable) allocate(agentID string) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, open := t.byAgent[agentID]; open {
		return existing
	}

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, &slotState{gen: 1})
	}

	state := t.slots[index]
	state.agentID = agentID
	state.live = true

	handle := packHandle(index, state.gen)
	t.byAgent[agentID] = handle
	return handle
}

// acquire resolves the handle and takes the agent's operation lock.
// The caller must invoke unlock when the operation completes.
func (t *handleTable) acquire(h Handle) (agentID string, unlock func(), err error) {
	index, gen := h.split()

	t.mu.Lock()
	if int(index) >= len(t.slots) {
		t.mu.Unlock()
		return "", nil, freedError()
	}
	state := t.slots[index]
	if !state.live || state.gen != gen {
		t.mu.Unlock()
		return "", nil, freedError()
	}
	t.mu.Unlock()

	state.mu.Lock()
	// The slot may have been freed while we waited for the lock.
	if !state.live || state.gen != gen {
		state.mu.Unlock()
		return "", nil, freedError()
	}
	return state.agentID, state.mu.Unlock, nil
}

// release invalidates the handle, waiting for any in-flight operation
// to finish first. Releasing an already-freed handle is a no-op.
// Returns the agent id the handle referenced, or "" if it was stale.
func (t *handleTable) release(h Handle) string {
	index, gen := h.split()

	t.mu.Lock()
	if int(index) >= len(t.slots) {
		t.mu.Unlock()
		return ""
	}
	state := t.slots[index]
	if !state.live || state.gen != gen {
		t.mu.Unlock()
		return ""
	}
	t.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !state.live || state.gen != gen {
		return ""
	}

	agentID := state.agentID
	state.live = false
	state.agentID = ""
	state.gen++
	delete(t.byAgent, agentID)
	t.free = append(t.free, index)
	return agentID
}

// releaseAll invalidates every live handle.
func (t *handleTable) releaseAll() {
	t.mu.Lock()
	handles := make([]Handle, 0, len(t.byAgent))
	for _, h := range t.byAgent {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.release(h)
	}
}

func freedError() error {
	return errors.Wrap(errors.KindState, "agent handle is not live", errors.ErrHandleFreed)
}
