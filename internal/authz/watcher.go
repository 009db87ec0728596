package authz

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/observability"
)

const policyReloadDebounce = 250 * time.Millisecond

// PolicyWatcher reloads a StaticPolicy when its file changes. The parent
// directory is watched so editors that replace the file by rename are seen.
type PolicyWatcher struct {
	policy   *StaticPolicy
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	metrics  *observability.Metrics
	debounce time.Duration
}

// NewPolicyWatcher creates a watcher for policy's file.
func NewPolicyWatcher(policy *StaticPolicy, logger *zap.Logger, metrics *observability.Metrics) (*PolicyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(policy.Path())); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyWatcher{
		policy:   policy,
		watcher:  fsw,
		logger:   logger,
		metrics:  metrics,
		debounce: policyReloadDebounce,
	}, nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *PolicyWatcher) Run(ctx context.Context) {
	target := filepath.Clean(w.policy.Path())
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy watcher error", zap.Error(err))

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *PolicyWatcher) reload() {
	if err := w.policy.Sync(); err != nil {
		w.metrics.RecordPolicyReload("error")
		w.logger.Error("policy reload failed, keeping previous policy",
			zap.String("path", w.policy.Path()), zap.Error(err))
		return
	}
	w.metrics.RecordPolicyReload("ok")
	w.logger.Info("policy reloaded", zap.String("path", w.policy.Path()))
}

// Close stops watching.
func (w *PolicyWatcher) Close() error {
	return w.watcher.Close()
}
