package engine

import (
	"time"
)

// ArchiveVersion is the .nano layout version written by this build.
const ArchiveVersion = 2

// ArchiveInfo is the metadata block stored inside every .nano file.
// Segments and exported containers share the same layout.
type ArchiveInfo struct {
	Version     int              `json:"version"`
	CreatedAt   int64            `json:"created_at"` // unix nanos
	Session     string           `json:"session"`    // store session active at write time
	RowCount    int              `json:"row_count"`
	MinTime     int64            `json:"min_time"`
	MaxTime     int64            `json:"max_time"`
	LevelCounts map[string]int64 `json:"level_counts"`
	Filter      *Filter          `json:"filter,omitempty"`
	Checksum    string           `json:"checksum"` // BLAKE2b-256 of the raw column payload, hex
}

// NewArchiveInfo summarises rows. Checksum is filled in by the writer.
func NewArchiveInfo(rows []LogRow, session string, filter *Filter, now time.Time) *ArchiveInfo {
	info := &ArchiveInfo{
		Version:     ArchiveVersion,
		CreatedAt:   now.UnixNano(),
		Session:     session,
		RowCount:    len(rows),
		LevelCounts: make(map[string]int64),
		Filter:      filter,
	}
	for i, row := range rows {
		if i == 0 || row.Timestamp < info.MinTime {
			info.MinTime = row.Timestamp
		}
		if i == 0 || row.Timestamp > info.MaxTime {
			info.MaxTime = row.Timestamp
		}
		info.LevelCounts[row.Level.String()]++
	}
	return info
}
