package ledger

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"phaseline/internal/domain"
)

// Watch re-records tracked artifacts of namespace whenever they change on
// disk, until ctx is done. onRecord, when set, sees every attempt.
func (l Ledger) Watch(ctx context.Context, namespace string, onRecord func(ItemResult)) error {
	records, err := l.List(ctx, namespace, "")
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	tracked := map[string]domain.MemoryRecord{}
	dirs := map[string]bool{}
	for _, m := range records {
		abs, err := filepath.Abs(l.Resolve(m.FilePath))
		if err != nil {
			continue
		}
		tracked[abs] = m
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			l.logger().Warn("watch directory failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		dirs[dir] = true
	}
	l.logger().Info("watching ledger artifacts",
		zap.String("namespace", namespace),
		zap.Int("files", len(tracked)),
		zap.Int("dirs", len(dirs)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger().Warn("watcher error", zap.Error(err))
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(evt.Name)
			if err != nil {
				continue
			}
			m, ok := tracked[abs]
			if !ok {
				continue
			}
			rec, err := l.Record(ctx, namespace, Artifact{
				FilePath:            m.FilePath,
				MemoryType:          m.MemoryType,
				BriefDescription:    m.BriefDescription,
				ElementsDescription: m.ElementsDescription,
				Rationale:           m.Rationale,
			})
			item := ItemResult{FilePath: m.FilePath, Version: rec.Version, Outcome: rec.Outcome}
			if err != nil {
				item.Outcome = OutcomeError
				item.Err = err
				item.Error = err.Error()
			}
			if onRecord != nil {
				onRecord(item)
			}
		}
	}
}
