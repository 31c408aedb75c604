package engine

import (
	"context"
	"encoding/json"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tally counts rows by level name and service.
type Tally struct {
	Rows     int64            `json:"rows"`
	Bytes    int64            `json:"bytes"`
	Levels   map[string]int64 `json:"levels"`
	Services map[string]int64 `json:"services"`
}

func newTally() Tally {
	return Tally{Levels: make(map[string]int64), Services: make(map[string]int64)}
}

// rowBytes estimates a row's payload: its strings plus 8 bytes of timestamp
// and one of level.
func rowBytes(r *LogRow) int64 {
	return int64(len(r.Session)+len(r.Task)+len(r.Service)+len(r.Host)+len(r.Message)) + 9
}

func (t *Tally) add(r *LogRow) {
	t.Rows++
	t.Bytes += rowBytes(r)
	t.Levels[r.Level.String()]++
	t.Services[r.Service]++
}

func (t *Tally) merge(o Tally) {
	t.Rows += o.Rows
	t.Bytes += o.Bytes
	for k, v := range o.Levels {
		t.Levels[k] += v
	}
	for k, v := range o.Services {
		t.Services[k] += v
	}
}

// subtract removes o's counts, dropping keys that reach zero.
func (t *Tally) subtract(o Tally) {
	t.Rows = max(t.Rows-o.Rows, 0)
	t.Bytes = max(t.Bytes-o.Bytes, 0)
	for k, v := range o.Levels {
		if t.Levels[k] -= v; t.Levels[k] <= 0 {
			delete(t.Levels, k)
		}
	}
	for k, v := range o.Services {
		if t.Services[k] -= v; t.Services[k] <= 0 {
			delete(t.Services, k)
		}
	}
}

func (t Tally) clone() Tally {
	c := newTally()
	c.merge(t)
	return c
}

// SystemStats is the store summary served by the stats endpoint and CLI.
type SystemStats struct {
	Session       string           `json:"session"`
	IngestionRate float64          `json:"ingestion_rate"` // rows/sec
	TotalLogs     int64            `json:"total_logs"`
	Segments      int              `json:"segments"`
	DiskUsage     int64            `json:"disk_usage"` // bytes
	LevelDist     map[string]int64 `json:"level_dist"`
	TopServices   map[string]int64 `json:"top_services"`
}

// tallyFile keeps the counts of flushed rows across restarts.
const tallyFile = ".nanolog.stats"

// loadTally reads the persisted tally. A missing or unreadable file starts
// from zero.
func loadTally(dataDir string) Tally {
	t := newTally()
	data, err := os.ReadFile(filepath.Join(dataDir, tallyFile))
	if err != nil {
		return t
	}
	var disk Tally
	if json.Unmarshal(data, &disk) == nil {
		t.merge(disk)
	}
	return t
}

func saveTally(dataDir string, t Tally) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	path := filepath.Join(dataDir, tallyFile)
	if err := os.WriteFile(path+".tmp", data, 0644); err != nil {
		return err
	}
	return os.Rename(path+".tmp", path)
}

// GetStats adds the tallies of tables still in memory to the flushed tally.
func (qe *QueryEngine) GetStats() SystemStats {
	qe.mu.RLock()
	total := qe.flushed.clone()
	tables := append([]*MemTable{qe.mt}, qe.flushing...)
	segments := len(qe.segments)
	qe.mu.RUnlock()

	for _, t := range tables {
		total.merge(t.Tally())
	}
	return SystemStats{
		Session:       qe.session,
		IngestionRate: math.Float64frombits(qe.ingestRate.Load()),
		TotalLogs:     total.Rows,
		Segments:      segments,
		DiskUsage:     dirSize(qe.dataDir),
		LevelDist:     total.Levels,
		TopServices:   total.Services,
	}
}

// dirSize sums segment, WAL and stats files, skipping in-progress temp files.
func dirSize(dir string) int64 {
	var size int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}

// RunRateTicker recomputes the ingestion rate every interval until ctx is done.
func (qe *QueryEngine) RunRateTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := qe.ingested.Swap(0)
			qe.ingestRate.Store(math.Float64bits(float64(n) / interval.Seconds()))
		}
	}
}
