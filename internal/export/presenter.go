package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Presenter hands a finished artifact to its consumer. Returning
// ErrHandoffCancelled means the consumer declined; the artifact is
// cleaned up either way.
type Presenter interface {
	Present(ctx context.Context, a *Artifact) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, a *Artifact) error

func (f PresenterFunc) Present(ctx context.Context, a *Artifact) error {
	return f(ctx, a)
}

// SavePresenter copies the artifact into Dir, keeping its file name.
type SavePresenter struct {
	Dir     string
	OnSaved func(path string, size int64)
}

func (p SavePresenter) Present(ctx context.Context, a *Artifact) error {
	if err := ctx.Err(); err != nil {
		return ErrHandoffCancelled
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	src, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst := filepath.Join(p.Dir, a.Name())
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, src)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save export: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save export: %w", err)
	}

	if p.OnSaved != nil {
		p.OnSaved(dst, n)
	}
	return nil
}
