package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// flushTable persists a swapped-out MemTable as a segment.
func (qe *QueryEngine) flushTable(mt *MemTable, sealedWAL string) error {
	qe.flushMu.Lock()
	defer qe.flushMu.Unlock()

	rows := mt.Rows(nil)

	// === Step 1: Write file to disk ===
	path, err := qe.writeSegment(rows, sealedWAL)
	if err != nil {
		// The table stays in qe.flushing and the sealed WAL on disk,
		// so the rows remain readable and recoverable.
		return err
	}

	// === Step 2: Publish the segment, drop the table, fold its tally ===
	qe.mu.Lock()
	qe.segments = append(qe.segments, path)
	for i, t := range qe.flushing {
		if t == mt {
			qe.flushing = append(qe.flushing[:i], qe.flushing[i+1:]...)
			break
		}
	}
	qe.flushed.merge(mt.Tally())
	tally := qe.flushed.clone()
	qe.mu.Unlock()

	// === Step 3: Persist the tally ===
	if err := saveTally(qe.dataDir, tally); err != nil {
		qe.log.Warn("Stats persist error", zap.Error(err))
	}

	// === Step 4: The sealed WAL is no longer needed ===
	// If this is lost to a crash, recovery finds the segment carrying the
	// WAL's number and drops the file without replaying it.
	removeSealed(sealedWAL, qe.log)

	qe.log.Info("Flushed to disk", zap.String("segment", filepath.Base(path)), zap.Int("rows", len(rows)))
	return nil
}

// writeSegment writes rows to a new segment named after the sealed WAL file
// they came from.
func (qe *QueryEngine) writeSegment(rows []LogRow, sealedWAL string) (string, error) {
	info := NewArchiveInfo(rows, qe.session, nil, time.Now())
	seq, _ := sealedSeq(sealedWAL)
	path := qe.segmentPath(info.MinTime, info.MaxTime, seq)
	if err := qe.writerFunc(path, rows, info); err != nil {
		return "", fmt.Errorf("flush %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

func removeSealed(path string, log *zap.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("Sealed WAL removal error", zap.String("path", path), zap.Error(err))
	}
}

// segmentPath returns an unused segment path:
// log_{minTs}_{maxTs}_w{walSeq}[-{n}].nano
func (qe *QueryEngine) segmentPath(minTs, maxTs, walSeq int64) string {
	base := fmt.Sprintf("log_%d_%d_w%d", minTs, maxTs, walSeq)
	path := filepath.Join(qe.dataDir, base+".nano")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(qe.dataDir, fmt.Sprintf("%s-%d.nano", base, n))
	}
}

// segmentName is what a segment's file name records.
type segmentName struct {
	minTs  int64
	maxTs  int64
	walSeq int64 // 0 when the name carries none
}

func parseSegmentName(filename string) (segmentName, error) {
	base := filepath.Base(filename)
	if !strings.HasPrefix(base, "log_") || !strings.HasSuffix(base, ".nano") {
		return segmentName{}, fmt.Errorf("invalid format")
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(base, "log_"), ".nano"), "_")
	if len(parts) != 2 && len(parts) != 3 {
		return segmentName{}, fmt.Errorf("invalid parts")
	}
	minTs, err1 := strconv.ParseInt(parts[0], 10, 64)
	maxTs, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return segmentName{}, fmt.Errorf("invalid timestamps")
	}
	name := segmentName{minTs: minTs, maxTs: maxTs}
	if len(parts) == 3 && strings.HasPrefix(parts[2], "w") {
		seq, _, _ := strings.Cut(parts[2][1:], "-")
		name.walSeq, _ = strconv.ParseInt(seq, 10, 64)
	}
	return name, nil
}
