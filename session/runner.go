package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// StageFunc is one named phase of the outer training procedure.
type StageFunc func(ctx context.Context, sess *Session) error

// Cursor persists which stages have completed, so a restarted worker can
// skip straight past them. The in-memory implementation is the default;
// durable implementations live with the checkpointing layer.
type Cursor interface {
	Completed(name string) (bool, error)
	MarkCompleted(name string) error
}

// MemoryCursor is a process-local Cursor.
type MemoryCursor struct {
	mu   sync.Mutex
	done map[string]bool
}

// NewMemoryCursor creates an empty in-memory cursor.
func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{done: make(map[string]bool)}
}

// Completed implements Cursor.
func (c *MemoryCursor) Completed(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done[name], nil
}

// MarkCompleted implements Cursor.
func (c *MemoryCursor) MarkCompleted(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[name] = true
	return nil
}

// StageRunner executes named, resumable stages of the training procedure.
// A stage the cursor already marks completed is skipped, which is what
// gives the outer loop its failover semantics: restore / train / eval /
// save each run at most once per successful pass.
type StageRunner struct {
	sess   *Session
	cursor Cursor
	logger *zap.Logger
}

// NewStageRunner creates a runner over sess. A nil cursor gets an
// in-memory one.
func NewStageRunner(sess *Session, cursor Cursor, logger *zap.Logger) *StageRunner {
	if cursor == nil {
		cursor = NewMemoryCursor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageRunner{
		sess:   sess,
		cursor: cursor,
		logger: logger.With(zap.String("component", "stage_runner")),
	}
}

// RunStage runs one named stage unless the cursor says it already
// completed. Completion is recorded only after fn returns nil.
func (r *StageRunner) RunStage(ctx context.Context, name string, fn StageFunc) error {
	done, err := r.cursor.Completed(name)
	if err != nil {
		return err
	}
	if done {
		r.logger.Info("stage already completed, skipping", zap.String("stage", name))
		return nil
	}

	r.logger.Info("stage started", zap.String("stage", name))
	if err := fn(ctx, r.sess); err != nil {
		r.logger.Warn("stage failed", zap.String("stage", name), zap.Error(err))
		return err
	}
	if err := r.cursor.MarkCompleted(name); err != nil {
		return err
	}
	r.logger.Info("stage completed", zap.String("stage", name))
	return nil
}

// Reset clears a stage's completion so it can run again, e.g. at the top of
// a new training window.
func (r *StageRunner) Reset(names ...string) {
	if mc, ok := r.cursor.(*MemoryCursor); ok {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		for _, n := range names {
			delete(mc.done, n)
		}
	}
}
