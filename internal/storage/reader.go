package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrInvalidHeader    = errors.New("invalid .nano file header")
	ErrCorrupt          = errors.New("corrupt .nano file")
	ErrChecksumMismatch = errors.New(".nano checksum mismatch")
)

const columnCount = 7

// LogIterator provides a row-by-row view of logs.
type LogIterator interface {
	Next() bool
	Row() engine.LogRow
	Error() error
	Close() error
}

type ColumnReader struct {
	decoder *zstd.Decoder
	parser  fastjson.ParserPool
}

func NewColumnReader() (*ColumnReader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &ColumnReader{decoder: dec}, nil
}

// NewIterator creates a new iterator for a .nano file with filtering.
func (cr *ColumnReader) NewIterator(filename string, filter *engine.Filter) (LogIterator, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	it := &FileIterator{
		reader: cr,
		file:   f,
		filter: filter,
	}

	if err := it.init(); err != nil {
		f.Close()
		return nil, err
	}

	return it, nil
}

type FileIterator struct {
	reader *ColumnReader
	file   *os.File
	filter *engine.Filter

	// Columns data
	timestamps []int64
	levels     []byte
	sessions   []string
	tasks      []string
	services   []string
	hosts      []string
	messages   []string

	rowCount int
	cursor   int
	currRow  engine.LogRow
	err      error
}

func (it *FileIterator) init() error {
	rowCount, minTs, maxTs, err := readHeaderAndFooter(it.file)
	if err != nil {
		return err
	}

	it.rowCount = int(rowCount)
	it.cursor = -1

	// File-level filtering based on MinTs/MaxTs
	if rowCount > 0 && !it.filter.Overlaps(minTs, maxTs) {
		it.rowCount = 0 // Skip entire file
		return nil
	}

	cols, err := it.reader.readColumns(it.file)
	if err != nil {
		return err
	}

	it.timestamps = bytesToInt64Slice(cols[0])
	it.levels = cols[1]
	it.sessions = bytesToStringSlice(cols[2])
	it.tasks = bytesToStringSlice(cols[3])
	it.services = bytesToStringSlice(cols[4])
	it.hosts = bytesToStringSlice(cols[5])
	it.messages = bytesToStringSlice(cols[6])

	// Basic column length validation
	for _, n := range []int{len(it.timestamps), len(it.levels), len(it.sessions), len(it.tasks), len(it.services), len(it.hosts), len(it.messages)} {
		if n != it.rowCount {
			return fmt.Errorf("%w: column length mismatch", ErrCorrupt)
		}
	}

	return nil
}

func (it *FileIterator) Next() bool {
	for {
		it.cursor++
		if it.cursor >= it.rowCount {
			return false
		}

		row := engine.LogRow{
			Timestamp: it.timestamps[it.cursor],
			Level:     engine.Level(it.levels[it.cursor]),
			Session:   it.sessions[it.cursor],
			Task:      it.tasks[it.cursor],
			Service:   it.services[it.cursor],
			Host:      it.hosts[it.cursor],
			Message:   it.messages[it.cursor],
		}
		if !it.filter.Match(&row) {
			continue
		}

		// Match found
		it.currRow = row
		return true
	}
}

func (it *FileIterator) Row() engine.LogRow {
	return it.currRow
}

func (it *FileIterator) Error() error {
	return it.err
}

func (it *FileIterator) Close() error {
	return it.file.Close()
}

// ReadSnapshot reads a .nano file and returns log rows matching the filter.
func (cr *ColumnReader) ReadSnapshot(filename string, filter *engine.Filter) ([]engine.LogRow, error) {
	it, err := cr.NewIterator(filename, filter)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rows []engine.LogRow
	for it.Next() {
		rows = append(rows, it.Row())
	}
	return rows, it.Error()
}

// ReadInfo returns the metadata block of a .nano file.
func (cr *ColumnReader) ReadInfo(filename string) (*engine.ArchiveInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, _, _, err := readHeaderAndFooter(f); err != nil {
		return nil, err
	}
	for i := 0; i < columnCount; i++ {
		if err := skipBlock(f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	raw, err := cr.readAndDecompress(f)
	if err != nil {
		return nil, err
	}
	return cr.decodeInfo(raw)
}

// Verify recomputes the column checksum and compares it with the info block.
func (cr *ColumnReader) Verify(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, _, _, err := readHeaderAndFooter(f); err != nil {
		return err
	}
	cols, err := cr.readColumns(f)
	if err != nil {
		return err
	}
	raw, err := cr.readAndDecompress(f)
	if err != nil {
		return err
	}
	info, err := cr.decodeInfo(raw)
	if err != nil {
		return err
	}

	hash, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	for _, c := range cols {
		hash.Write(c)
	}
	if hex.EncodeToString(hash.Sum(nil)) != info.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// readHeaderAndFooter validates the magic header, reads the footer and
// leaves the file positioned at the first column.
func readHeaderAndFooter(f *os.File) (uint32, int64, int64, error) {
	header := make([]byte, len(MagicHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, 0, 0, err
	}
	if !bytes.Equal(header, MagicHeader) {
		return 0, 0, 0, ErrInvalidHeader
	}

	st, err := f.Stat()
	if err != nil {
		return 0, 0, 0, err
	}
	if st.Size() < int64(len(MagicHeader)+footerSize) {
		return 0, 0, 0, fmt.Errorf("%w: file too small", ErrCorrupt)
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, st.Size()-footerSize); err != nil {
		return 0, 0, 0, err
	}

	rowCount := binary.LittleEndian.Uint32(footer[0:4])
	minTs := int64(binary.LittleEndian.Uint64(footer[4:12]))
	maxTs := int64(binary.LittleEndian.Uint64(footer[12:20]))
	return rowCount, minTs, maxTs, nil
}

func (cr *ColumnReader) readColumns(r io.Reader) ([][]byte, error) {
	cols := make([][]byte, columnCount)
	for i := range cols {
		data, err := cr.readAndDecompress(r)
		if err != nil {
			return nil, err
		}
		cols[i] = data
	}
	return cols, nil
}

// readAndDecompress reads a compressed block (size + data) and decompresses it.
func (cr *ColumnReader) readAndDecompress(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	decompressed, err := cr.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return decompressed, nil
}

func skipBlock(f *os.File) error {
	var size uint32
	if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
		return err
	}
	_, err := f.Seek(int64(size), io.SeekCurrent)
	return err
}

func (cr *ColumnReader) decodeInfo(raw []byte) (*engine.ArchiveInfo, error) {
	p := cr.parser.Get()
	defer cr.parser.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: info block: %v", ErrCorrupt, err)
	}

	info := &engine.ArchiveInfo{
		Version:     v.GetInt("version"),
		CreatedAt:   v.GetInt64("created_at"),
		Session:     string(v.GetStringBytes("session")),
		RowCount:    v.GetInt("row_count"),
		MinTime:     v.GetInt64("min_time"),
		MaxTime:     v.GetInt64("max_time"),
		LevelCounts: make(map[string]int64),
		Checksum:    string(v.GetStringBytes("checksum")),
	}
	if counts := v.GetObject("level_counts"); counts != nil {
		counts.Visit(func(key []byte, val *fastjson.Value) {
			info.LevelCounts[string(key)] = val.GetInt64()
		})
	}
	if fv := v.Get("filter"); fv != nil && fv.Type() == fastjson.TypeObject {
		filter := &engine.Filter{
			MinTime:   fv.GetInt64("min_time"),
			BySession: fv.GetBool("by_session"),
			Session:   string(fv.GetStringBytes("session")),
			ByLevel:   fv.GetBool("by_level"),
			MinLevel:  engine.Level(fv.GetUint("min_level")),
		}
		if err := filter.SetQuery(string(fv.GetStringBytes("q"))); err != nil {
			return nil, fmt.Errorf("%w: info filter: %v", ErrCorrupt, err)
		}
		info.Filter = filter
	}
	return info, nil
}

// bytesToInt64Slice converts a byte slice to []int64 (LittleEndian).
func bytesToInt64Slice(data []byte) []int64 {
	count := len(data) / 8
	result := make([]int64, count)
	for i := 0; i < count; i++ {
		result[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return result
}

// bytesToStringSlice converts a byte slice to []string.
// Format: [Len uint32][Bytes]...
func bytesToStringSlice(data []byte) []string {
	result := []string{}
	for len(data) >= 4 {
		length := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < length {
			break
		}
		result = append(result, string(data[:length]))
		data = data[length:]
	}
	return result
}
