package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SegmentReaderFunc is a function type for reading .nano files with filtering.
type SegmentReaderFunc func(path string, filter *Filter) ([]LogRow, error)

// SegmentWriterFunc is a function type for writing rows to a .nano file.
// The writer fills info.Checksum.
type SegmentWriterFunc func(path string, rows []LogRow, info *ArchiveInfo) error

// DefaultMaxTableSize is the MemTable size that triggers a background flush.
const DefaultMaxTableSize = 64 * 1024 * 1024

// QueryEngine handles query execution and data lifecycle across persisted data.
//
// Reads never observe a torn row: the active MemTable, the tables being
// flushed and the segment list are captured together under mu.
type QueryEngine struct {
	dataDir    string
	readerFunc SegmentReaderFunc
	writerFunc SegmentWriterFunc
	Retention  time.Duration
	log        *zap.Logger

	// Configuration
	MaxTableSize int64

	// mu protects mt, flushing, segments and flushed
	mu       sync.RWMutex
	mt       *MemTable
	flushing []*MemTable
	segments []string
	flushed  Tally

	// flushMu serialises segment writes
	flushMu sync.Mutex
	bg      sync.WaitGroup

	session string

	ingested   atomic.Int64
	ingestRate atomic.Uint64 // float64 bits

	// WAL for crash recovery
	wal *WAL
}

// NewQueryEngine opens the store in dataDir, replays any WAL left behind by
// a crash and starts a new session.
func NewQueryEngine(dataDir string, readerFunc SegmentReaderFunc, writerFunc SegmentWriterFunc, retention time.Duration, logger *zap.Logger) (*QueryEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	wal, err := OpenWAL(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	segments, err := findNanoFiles(dataDir)
	if err != nil {
		wal.Close()
		return nil, fmt.Errorf("list segments: %w", err)
	}

	qe := &QueryEngine{
		dataDir:      dataDir,
		readerFunc:   readerFunc,
		writerFunc:   writerFunc,
		Retention:    retention,
		log:          logger,
		MaxTableSize: DefaultMaxTableSize,
		mt:           NewMemTable(),
		segments:     segments,
		session:      uuid.NewString(),
		flushed:      loadTally(dataDir),
		wal:          wal,
	}

	// Crash recovery: sealed files first, then the active file.
	if err := qe.recoverSealed(); err != nil {
		wal.Close()
		return nil, err
	}
	recovered, err := wal.ReplayActive()
	if err != nil {
		logger.Warn("WAL replay warning", zap.Error(err))
	}
	if len(recovered) > 0 {
		logger.Info("Crash recovery: replaying logs from WAL", zap.Int("rows", len(recovered)))
		for _, row := range recovered {
			// Re-append without re-writing the WAL
			qe.mt.Append(row)
		}
		if err := qe.Flush(); err != nil {
			wal.Close()
			return nil, fmt.Errorf("flush recovered rows: %w", err)
		}
	}

	logger.Info("Store opened",
		zap.String("data_dir", dataDir),
		zap.String("session", qe.session),
		zap.Int("segments", len(segments)),
	)
	return qe, nil
}

// recoverSealed persists the sealed WAL files an interrupted flush left
// behind, each as its own segment. A file whose segment already exists is
// removed without being replayed.
func (qe *QueryEngine) recoverSealed() error {
	sealed, err := qe.wal.Sealed()
	if err != nil {
		return fmt.Errorf("list sealed WAL: %w", err)
	}
	persisted := make(map[int64]bool, len(qe.segments))
	for _, path := range qe.segments {
		if name, err := parseSegmentName(path); err == nil && name.walSeq != 0 {
			persisted[name.walSeq] = true
			qe.wal.advance(name.walSeq)
		}
	}

	recovered := false
	for _, f := range sealed {
		if !persisted[f.seq] {
			rows, err := readSealed(f.path)
			if err != nil {
				qe.log.Warn("Sealed WAL replay warning", zap.String("path", f.path), zap.Error(err))
			}
			if len(rows) > 0 {
				path, err := qe.writeSegment(rows, f.path)
				if err != nil {
					return fmt.Errorf("recover %s: %w", filepath.Base(f.path), err)
				}
				qe.segments = append(qe.segments, path)
				t := newTally()
				for i := range rows {
					t.add(&rows[i])
				}
				qe.flushed.merge(t)
				recovered = true
				qe.log.Info("Crash recovery: sealed WAL persisted",
					zap.String("segment", filepath.Base(path)), zap.Int("rows", len(rows)))
			}
		}
		removeSealed(f.path, qe.log)
	}
	if recovered {
		if err := saveTally(qe.dataDir, qe.flushed); err != nil {
			qe.log.Warn("Stats persist error", zap.Error(err))
		}
	}
	return nil
}

// CurrentSession returns the id of the session started when the store was opened.
func (qe *QueryEngine) CurrentSession() string {
	return qe.session
}

// Ingest adds a log row to the WAL and MemTable, triggering a background flush if needed.
// Missing timestamps default to now and missing sessions to the current session.
func (qe *QueryEngine) Ingest(row LogRow) {
	if row.Timestamp == 0 {
		row.Timestamp = time.Now().UnixNano()
	}
	if row.Session == "" {
		row.Session = qe.session
	}

	// WAL and MemTable must be written as a pair; rotation takes the write lock.
	qe.mu.RLock()
	if err := qe.wal.Write(row); err != nil {
		qe.log.Error("WAL write error", zap.Error(err))
	}
	mt := qe.mt
	mt.Append(row)
	qe.mu.RUnlock()

	qe.ingested.Add(1)

	if mt.Size() >= qe.MaxTableSize {
		old, sealed, err := qe.rotate(func(cur *MemTable) bool { return cur.Size() >= qe.MaxTableSize })
		if err != nil {
			qe.log.Error("MemTable rotation failed", zap.Error(err))
			return
		}
		if old == nil {
			return
		}
		qe.log.Info("MemTable reached threshold, swapping for async flush",
			zap.Int64("max_mb", qe.MaxTableSize/(1024*1024)))

		// Background flush
		qe.bg.Add(1)
		go func() {
			defer qe.bg.Done()
			if err := qe.flushTable(old, sealed); err != nil {
				qe.log.Error("Background flush write error", zap.Error(err))
			}
		}()
	}
}

// SyncWAL flushes the WAL file to disk.
func (qe *QueryEngine) SyncWAL() {
	if err := qe.wal.Sync(); err != nil {
		qe.log.Error("WAL sync error", zap.Error(err))
	}
}

// Flush writes the current MemTable to disk and resets it.
func (qe *QueryEngine) Flush() error {
	old, sealed, err := qe.rotate(func(cur *MemTable) bool { return cur.Len() > 0 })
	if err != nil || old == nil {
		return err
	}
	return qe.flushTable(old, sealed)
}

// rotate swaps the active MemTable for a fresh one when need reports true.
// The swapped table stays readable in qe.flushing until its segment exists.
func (qe *QueryEngine) rotate(need func(*MemTable) bool) (*MemTable, string, error) {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	// Double check under lock
	if !need(qe.mt) {
		return nil, "", nil
	}

	sealed, err := qe.wal.Seal()
	if err != nil {
		return nil, "", err
	}

	old := qe.mt
	qe.mt = NewMemTable()
	qe.flushing = append(qe.flushing, old)
	return old, sealed, nil
}

// Scan returns every row matching filter ordered by timestamp. Rows with
// equal timestamps keep their insertion order.
func (qe *QueryEngine) Scan(ctx context.Context, filter *Filter) ([]LogRow, error) {
	// 1. Capture memory rows and the segment list together
	qe.mu.RLock()
	memRows := make([][]LogRow, 0, len(qe.flushing)+1)
	for _, t := range qe.flushing {
		memRows = append(memRows, t.Rows(filter))
	}
	memRows = append(memRows, qe.mt.Rows(filter))
	files := append([]string(nil), qe.segments...)
	qe.mu.RUnlock()

	// 2. Read persisted segments
	var result []LogRow
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// File Pruning: Parse timestamps from filename (log_minTs_maxTs.nano)
		if name, err := parseSegmentName(file); err == nil && !filter.Overlaps(name.minTs, name.maxTs) {
			continue
		}

		rows, err := qe.readerFunc(file, filter)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Purged by retention after the list was captured
				continue
			}
			return nil, fmt.Errorf("read segment %s: %w", filepath.Base(file), err)
		}
		result = append(result, rows...)
	}

	for _, rows := range memRows {
		result = append(result, rows...)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result, nil
}

// Fetch returns rows matching filter grouped by task.
func (qe *QueryEngine) Fetch(ctx context.Context, filter *Filter) ([]Entry, error) {
	rows, err := qe.Scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	return GroupByTask(rows), nil
}

// CopyFiltered writes the rows matching filter into a standalone .nano
// archive at path and returns its metadata.
func (qe *QueryEngine) CopyFiltered(ctx context.Context, filter *Filter, path string) (*ArchiveInfo, error) {
	rows, err := qe.Scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info := NewArchiveInfo(rows, qe.session, filter, time.Now())
	if err := qe.writerFunc(path, rows, info); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}
	return info, nil
}

// Close waits for background flushes, flushes memory to disk and closes the WAL.
func (qe *QueryEngine) Close() error {
	qe.bg.Wait()
	flushErr := qe.Flush()
	if err := qe.wal.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// findNanoFiles returns all .nano files in the data directory, oldest first.
func findNanoFiles(dataDir string) ([]string, error) {
	var files []string

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil // Empty result if dir doesn't exist
		}
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".nano") {
			files = append(files, filepath.Join(dataDir, entry.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		ni, _ := parseSegmentName(files[i])
		nj, _ := parseSegmentName(files[j])
		return ni.minTs < nj.minTs
	})
	return files, nil
}
