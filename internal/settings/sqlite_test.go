package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/coffersTech/nanolog-export/internal/export"
	"github.com/stretchr/testify/require"
)

func TestLoadBeforeSave(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	first := export.Options{TimeRange: export.TimeRangeToday, MinLevel: engine.LevelError, Format: export.FormatText}
	require.NoError(t, s.Save(ctx, first))
	second := export.Options{TimeRange: export.TimeRangeLastHour, MinLevel: engine.LevelWarning, Format: export.FormatContainer, Query: "service:api"}
	require.NoError(t, s.Save(ctx, second))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, second, got)
}
