package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/credit-pool/internal/model"
)

// Recorder persists every committed pool transition: the events go to the
// journal and the state becomes a new snapshot version. Its Record method
// has the signature of a pool commit hook.
type Recorder struct {
	store   Store
	timeout time.Duration

	mu      sync.Mutex
	version uint64
}

// NewRecorder continues numbering after the latest stored snapshot.
func NewRecorder(ctx context.Context, s Store, timeout time.Duration) (*Recorder, error) {
	r := &Recorder{store: s, timeout: timeout}
	latest, err := s.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		r.version = latest.Version
	}
	return r, nil
}

// Version returns the last snapshot version written.
func (r *Recorder) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Record writes events then the snapshot. Failures are logged: the pool
// has already committed and the next successful snapshot supersedes this
// one.
func (r *Recorder) Record(state *model.PoolState, events []model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.InsertEvents(ctx, events); err != nil {
		slog.Error("failed to journal pool events", "count", len(events), "error", err)
	}
	snap := &model.Snapshot{
		Version:   r.version + 1,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		slog.Error("failed to save pool snapshot", "version", snap.Version, "error", err)
		return
	}
	r.version = snap.Version
}
