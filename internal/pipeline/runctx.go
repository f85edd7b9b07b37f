package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/counterpoint-ml/dstest/internal/manifest"
)

// RunContext identifies one harness invocation and tracks every backup
// that is currently open. Normally a consumer's own defer restores its
// backup and the registry is empty by the time RestoreAll runs; the drain
// exists so an unexpected unwind still leaves every manifest pristine.
type RunContext struct {
	ID        string
	StartedAt time.Time

	mu   sync.Mutex
	open []*manifest.Backup
}

// NewRunContext mints a run identity.
func NewRunContext() *RunContext {
	return &RunContext{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
}

// Track registers a live backup.
func (rc *RunContext) Track(b *manifest.Backup) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.open = append(rc.open, b)
}

// Untrack removes a backup once its owner has restored it.
func (rc *RunContext) Untrack(b *manifest.Backup) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i, candidate := range rc.open {
		if candidate == b {
			rc.open = append(rc.open[:i], rc.open[i+1:]...)
			return
		}
	}
}

// RestoreAll restores any backup still open, newest first. Restore is
// idempotent, so racing with a consumer's own defer is harmless.
func (rc *RunContext) RestoreAll(log *slog.Logger) {
	rc.mu.Lock()
	open := rc.open
	rc.open = nil
	rc.mu.Unlock()

	for i := len(open) - 1; i >= 0; i-- {
		b := open[i]
		if b.Restored() {
			continue
		}
		log.Warn("restoring manifest left open by aborted consumer", "manifest", b.ManifestPath)
		if err := b.Restore(); err != nil {
			log.Error("failed to restore manifest", "manifest", b.ManifestPath, "error", err)
		}
	}
}

// Open reports the number of live backups, for tests.
func (rc *RunContext) Open() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.open)
}
