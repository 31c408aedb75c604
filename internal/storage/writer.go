package storage

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// NanoLog Header
var MagicHeader = []byte("NANOLOG2")

// footerSize is RowCount(4) + MinTs(8) + MaxTs(8).
const footerSize = 20

// ColumnWriter writes .nano files. Layout:
//
//	magic | ts | level | session | task | service | host | message | info | footer
//
// Every column and the JSON info block is stored as [size uint32][zstd data].
type ColumnWriter struct {
	encoder *zstd.Encoder
}

func NewColumnWriter() (*ColumnWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &ColumnWriter{encoder: enc}, nil
}

// WriteSegment writes rows to path. The file appears atomically: it is
// written under a temporary name and renamed once synced.
func (cw *ColumnWriter) WriteSegment(path string, rows []engine.LogRow, info *engine.ArchiveInfo) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if !done {
			f.Close()
			os.Remove(tmp)
		}
	}()

	w := bufio.NewWriter(f)
	if err := cw.write(w, rows, info); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	done = true
	return nil
}

func (cw *ColumnWriter) write(w io.Writer, rows []engine.LogRow, info *engine.ArchiveInfo) error {
	// 1. Write Header
	if _, err := w.Write(MagicHeader); err != nil {
		return err
	}

	// 2. Compress and Write Columns, hashing the raw payload
	hash, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	for _, raw := range encodeColumns(rows) {
		hash.Write(raw)
		if err := cw.compressAndWrite(w, raw); err != nil {
			return err
		}
	}

	// 3. Info block
	if info == nil {
		info = engine.NewArchiveInfo(rows, "", nil, time.Now())
	}
	info.Checksum = hex.EncodeToString(hash.Sum(nil))
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	if err := cw.compressAndWrite(w, infoJSON); err != nil {
		return err
	}

	// 4. Footer
	return writeFooter(w, uint32(len(rows)), info.MinTime, info.MaxTime)
}

// encodeColumns serialises rows column by column.
// Strings are stored as [Len uint32][Bytes]...
func encodeColumns(rows []engine.LogRow) [][]byte {
	ts := make([]byte, 0, len(rows)*8)
	lvl := make([]byte, 0, len(rows))
	var session, task, service, host, message []byte

	for _, r := range rows {
		ts = binary.LittleEndian.AppendUint64(ts, uint64(r.Timestamp))
		lvl = append(lvl, byte(r.Level))
		session = appendString(session, r.Session)
		task = appendString(task, r.Task)
		service = appendString(service, r.Service)
		host = appendString(host, r.Host)
		message = appendString(message, r.Message)
	}
	return [][]byte{ts, lvl, session, task, service, host, message}
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func (cw *ColumnWriter) compressAndWrite(w io.Writer, raw []byte) error {
	compressed := cw.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))

	// Write Compressed Size (uint32)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return err
	}

	// Write Data
	_, err := w.Write(compressed)
	return err
}

func writeFooter(w io.Writer, rowCount uint32, minTs, maxTs int64) error {
	buf := make([]byte, 0, footerSize)
	buf = binary.LittleEndian.AppendUint32(buf, rowCount)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(minTs))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(maxTs))
	_, err := w.Write(buf)
	return err
}
