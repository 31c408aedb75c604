package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
)

const fileTimeLayout = "2006-01-02T15-04-05"

// FileName returns the artifact name for an export written at now.
func FileName(now time.Time, ext string) string {
	return fmt.Sprintf("logs-%s.%s", now.Format(fileTimeLayout), ext)
}

// Renderer turns log entries into text blocks.
type Renderer interface {
	RenderRow(row engine.LogRow) string
	RenderGroup(group engine.TaskGroup) string
	Join(blocks []string) string
}

// Encoder writes one export file into dir and returns its path. Info is nil
// for formats that carry no store metadata.
type Encoder interface {
	Encode(ctx context.Context, filter *engine.Filter, dir string, now time.Time) (string, *engine.ArchiveInfo, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(ctx context.Context, filter *engine.Filter, dir string, now time.Time) (string, *engine.ArchiveInfo, error)

func (f EncoderFunc) Encode(ctx context.Context, filter *engine.Filter, dir string, now time.Time) (string, *engine.ArchiveInfo, error) {
	return f(ctx, filter, dir, now)
}

// ContainerEncoder asks the store for a filtered .nano copy. With a
// Verifier set, the copy is read back before it is handed out.
type ContainerEncoder struct {
	Store    Store
	Verifier Verifier
}

func (e ContainerEncoder) Encode(ctx context.Context, filter *engine.Filter, dir string, now time.Time) (string, *engine.ArchiveInfo, error) {
	path := filepath.Join(dir, FileName(now, ContainerExtension))
	info, err := e.Store.CopyFiltered(ctx, filter, path)
	if err != nil {
		return "", nil, encodeError("copy filtered", err)
	}
	if e.Verifier != nil {
		if err := e.Verifier.Verify(path); err != nil {
			return "", nil, encodeError("verify", err)
		}
	}
	return path, info, nil
}

// TextEncoder renders the snapshot as plain UTF-8 text.
type TextEncoder struct {
	Reader   SnapshotReader
	Renderer Renderer
}

func (e TextEncoder) Encode(ctx context.Context, filter *engine.Filter, dir string, now time.Time) (string, *engine.ArchiveInfo, error) {
	entries, err := e.Reader.Read(ctx, filter)
	if err != nil {
		return "", nil, err
	}
	if e.Renderer == nil {
		return "", nil, encodeError("render", fmt.Errorf("no renderer configured"))
	}

	blocks := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return "", nil, encodeError("render", err)
		}
		if entry.Group != nil {
			blocks = append(blocks, e.Renderer.RenderGroup(*entry.Group))
		} else if entry.Row != nil {
			blocks = append(blocks, e.Renderer.RenderRow(*entry.Row))
		}
	}

	path := filepath.Join(dir, FileName(now, FormatText.Extension()))
	if err := os.WriteFile(path, []byte(e.Renderer.Join(blocks)), 0644); err != nil {
		return "", nil, filesystemError("write text", err)
	}
	return path, nil, nil
}
