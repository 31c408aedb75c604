package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fastjson"
)

const (
	walFileName   = "wal.log"
	sealedWALGlob = "wal-*.sealed"
)

// WAL handles write-ahead logging to prevent data loss during crashes.
//
// When a MemTable is swapped out for flushing, the active file is sealed
// (renamed) so rows ingested afterwards never share a file with rows that
// are about to be persisted. Sealed files are removed once their segment
// is on disk.
type WAL struct {
	file *os.File
	dir  string
	seq  int64
	mu   sync.Mutex
}

// OpenWAL opens or creates the active WAL file in dir. New sealed files
// are numbered above any left behind.
func OpenWAL(dir string) (*WAL, error) {
	f, err := os.OpenFile(filepath.Join(dir, walFileName), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	w := &WAL{file: f, dir: dir, seq: time.Now().UnixNano()}
	sealed, err := w.Sealed()
	if err != nil {
		f.Close()
		return nil, err
	}
	if n := len(sealed); n > 0 && sealed[n-1].seq > w.seq {
		w.seq = sealed[n-1].seq
	}
	return w, nil
}

// advance keeps future sealed numbers above seq.
func (w *WAL) advance(seq int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq = max(w.seq, seq)
}

// Write records a log row to the WAL.
func (w *WAL) Write(row LogRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(row)
	if err != nil {
		return err
	}

	// Format: [Len uint32][JSON Bytes]
	buf := make([]byte, 4, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	buf = append(buf, data...)

	_, err = w.file.Write(buf)
	return err
}

// Sync flushes the WAL file buffers to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Seal renames the active file and opens a fresh one. It returns the
// sealed path.
func (w *WAL) Seal() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	w.seq++
	sealed := filepath.Join(w.dir, "wal-"+strconv.FormatInt(w.seq, 10)+".sealed")
	active := filepath.Join(w.dir, walFileName)
	if err := os.Rename(active, sealed); err != nil {
		return "", err
	}

	f, err := os.OpenFile(active, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return "", err
	}
	w.file = f
	return sealed, nil
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// sealedFile is a WAL file set aside for a flush that may not have finished.
type sealedFile struct {
	path string
	seq  int64
}

// Sealed lists the sealed files in the WAL directory, oldest first.
func (w *WAL) Sealed() ([]sealedFile, error) {
	paths, err := filepath.Glob(filepath.Join(w.dir, sealedWALGlob))
	if err != nil {
		return nil, err
	}
	files := make([]sealedFile, 0, len(paths))
	for _, p := range paths {
		if seq, ok := sealedSeq(p); ok {
			files = append(files, sealedFile{path: p, seq: seq})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })
	return files, nil
}

// sealedSeq extracts n from a wal-<n>.sealed path.
func sealedSeq(path string) (int64, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "wal-") || !strings.HasSuffix(base, ".sealed") {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(base, "wal-"), ".sealed"), 10, 64)
	return n, err == nil
}

// ReplayActive returns the rows of the active file in write order.
func (w *WAL) ReplayActive() ([]LogRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var p fastjson.Parser
	return replayFrom(w.file, &p, nil)
}

// readSealed returns the rows of a sealed file. Rows before a torn tail are
// returned along with the error.
func readSealed(path string) ([]LogRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var p fastjson.Parser
	return replayFrom(f, &p, nil)
}

func replayFrom(r io.Reader, p *fastjson.Parser, rows []LogRow) ([]LogRow, error) {
	lenBuf := make([]byte, 4)
	for {
		_, err := io.ReadFull(r, lenBuf)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return rows, fmt.Errorf("WAL replay error (len): %w", err)
		}

		length := binary.LittleEndian.Uint32(lenBuf)
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return rows, fmt.Errorf("WAL replay error (data): %w", err)
		}

		v, err := p.ParseBytes(data)
		if err != nil {
			return rows, fmt.Errorf("WAL replay error (parse): %w", err)
		}
		rows = append(rows, LogRow{
			Timestamp: v.GetInt64("timestamp"),
			Level:     Level(v.GetUint("level")),
			Session:   string(v.GetStringBytes("session")),
			Task:      string(v.GetStringBytes("task")),
			Service:   string(v.GetStringBytes("service")),
			Host:      string(v.GetStringBytes("host")),
			Message:   string(v.GetStringBytes("message")),
		})
	}
}
