package errors

import (
	"sync"
	"time"
)

// Record is a snapshot of the most recent failure: kind, code, and message,
// queryable after the operation surface has flattened the error to a status
// code.
type Record struct {
	Kind     Kind
	Code     int
	Message  string
	Occurred time.Time
}

// Recorder retains the last classified failure. Safe for concurrent use.
type Recorder struct {
	mu   sync.RWMutex
	last *Record
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record stores err as the most recent failure. nil clears nothing; the
// previous failure stays queryable until the next one replaces it.
func (r *Recorder) Record(err error) {
	if err == nil {
		return
	}

	rec := &Record{
		Kind:     KindOf(err),
		Code:     CodeOf(err),
		Message:  err.Error(),
		Occurred: time.Now(),
	}

	r.mu.Lock()
	r.last = rec
	r.mu.Unlock()
}

// Last returns the most recent failure, or nil if none has occurred.
func (r *Recorder) Last() *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

// Clear discards the recorded failure.
func (r *Recorder) Clear() {
	r.mu.Lock()
	r.last = nil
	r.mu.Unlock()
}
