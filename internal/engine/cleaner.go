package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// RunCleaner periodically removes segments older than the retention window
// until ctx is cancelled.
func (qe *QueryEngine) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	qe.log.Info("Cleaner started", zap.Duration("retention", qe.Retention), zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if qe.Retention <= 0 {
				continue
			}
			qe.PurgeExpired(time.Now())
		}
	}
}

// PurgeExpired deletes segments whose newest row is older than now-Retention
// and returns how many were removed.
func (qe *QueryEngine) PurgeExpired(now time.Time) int {
	threshold := now.Add(-qe.Retention).UnixNano()

	qe.mu.RLock()
	files := append([]string(nil), qe.segments...)
	qe.mu.RUnlock()

	removed := 0
	for _, path := range files {
		name, err := parseSegmentName(path)
		if err != nil || name.maxTs >= threshold {
			continue // Skip files with unexpected names or live data
		}

		// The segment's rows leave the flushed tally with it.
		gone := newTally()
		rows, err := qe.readerFunc(path, nil)
		if err != nil {
			qe.log.Warn("Cleaner: segment unreadable, stats not adjusted", zap.String("segment", filepath.Base(path)), zap.Error(err))
		}
		for i := range rows {
			gone.add(&rows[i])
		}

		qe.mu.Lock()
		qe.dropSegmentLocked(path)
		qe.flushed.subtract(gone)
		tally := qe.flushed.clone()
		qe.mu.Unlock()

		if err := saveTally(qe.dataDir, tally); err != nil {
			qe.log.Warn("Stats persist error", zap.Error(err))
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			qe.log.Error("Cleaner error: failed to delete segment", zap.String("segment", filepath.Base(path)), zap.Error(err))
			continue
		}
		removed++
		qe.log.Info("Expired file deleted", zap.String("segment", filepath.Base(path)))
	}
	return removed
}

func (qe *QueryEngine) dropSegmentLocked(path string) {
	for i, s := range qe.segments {
		if s == path {
			qe.segments = append(qe.segments[:i], qe.segments[i+1:]...)
			return
		}
	}
}
