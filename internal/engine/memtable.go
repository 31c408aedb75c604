package engine

import "sync"

const memTableRows = 4096

// columns holds rows field by field, the layout segments are written in.
type columns struct {
	ts      []int64
	level   []Level
	session []string
	task    []string
	service []string
	host    []string
	msg     []string
}

func newColumns(n int) columns {
	return columns{
		ts:      make([]int64, 0, n),
		level:   make([]Level, 0, n),
		session: make([]string, 0, n),
		task:    make([]string, 0, n),
		service: make([]string, 0, n),
		host:    make([]string, 0, n),
		msg:     make([]string, 0, n),
	}
}

func (c *columns) push(r *LogRow) {
	c.ts = append(c.ts, r.Timestamp)
	c.level = append(c.level, r.Level)
	c.session = append(c.session, r.Session)
	c.task = append(c.task, r.Task)
	c.service = append(c.service, r.Service)
	c.host = append(c.host, r.Host)
	c.msg = append(c.msg, r.Message)
}

func (c *columns) at(i int) LogRow {
	return LogRow{
		Timestamp: c.ts[i],
		Level:     c.level[i],
		Session:   c.session[i],
		Task:      c.task[i],
		Service:   c.service[i],
		Host:      c.host[i],
		Message:   c.msg[i],
	}
}

// MemTable buffers ingested rows until they are flushed into a segment.
// Its Tally is kept current on every append so stats never rescan it.
type MemTable struct {
	mu    sync.RWMutex
	cols  columns
	tally Tally
}

func NewMemTable() *MemTable {
	return &MemTable{cols: newColumns(memTableRows), tally: newTally()}
}

func (mt *MemTable) Append(row LogRow) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.cols.push(&row)
	mt.tally.add(&row)
}

// Size is the estimated payload held, compared against MaxTableSize.
func (mt *MemTable) Size() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.tally.Bytes
}

func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.cols.ts)
}

// Rows copies the rows matching filter in insertion order. Concurrent
// appends are either fully visible or not at all.
func (mt *MemTable) Rows(filter *Filter) []LogRow {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var out []LogRow
	for i := range mt.cols.ts {
		row := mt.cols.at(i)
		if filter.Match(&row) {
			out = append(out, row)
		}
	}
	return out
}

func (mt *MemTable) Tally() Tally {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.tally.clone()
}
