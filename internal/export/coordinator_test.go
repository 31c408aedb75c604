package export_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/coffersTech/nanolog-export/internal/export"
	"github.com/coffersTech/nanolog-export/internal/render"
	"github.com/coffersTech/nanolog-export/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 5 * time.Second

// fakeStore serves fixed rows and can hold every read until the test
// releases it through gate.
type fakeStore struct {
	session string
	rows    []engine.LogRow
	gate    chan struct{}
	fail    error

	active    int32
	maxActive int32
	calls     int32
}

func (s *fakeStore) CurrentSession() string { return s.session }

func (s *fakeStore) enter(ctx context.Context) error {
	n := atomic.AddInt32(&s.active, 1)
	for {
		max := atomic.LoadInt32(&s.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxActive, max, n) {
			break
		}
	}
	atomic.AddInt32(&s.calls, 1)
	if s.gate == nil {
		return nil
	}
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeStore) leave() { atomic.AddInt32(&s.active, -1) }

func (s *fakeStore) match(filter *engine.Filter) []engine.LogRow {
	var out []engine.LogRow
	for i := range s.rows {
		if filter.Match(&s.rows[i]) {
			out = append(out, s.rows[i])
		}
	}
	return out
}

func (s *fakeStore) Fetch(ctx context.Context, filter *engine.Filter) ([]engine.Entry, error) {
	defer s.leave()
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	if s.fail != nil {
		return nil, s.fail
	}
	return engine.GroupByTask(s.match(filter)), nil
}

func (s *fakeStore) CopyFiltered(ctx context.Context, filter *engine.Filter, path string) (*engine.ArchiveInfo, error) {
	defer s.leave()
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	if s.fail != nil {
		return nil, s.fail
	}
	rows := s.match(filter)
	if err := os.WriteFile(path, []byte("container"), 0644); err != nil {
		return nil, err
	}
	return engine.NewArchiveInfo(rows, s.session, filter, time.Now()), nil
}

func (s *fakeStore) release(t *testing.T) {
	t.Helper()
	select {
	case s.gate <- struct{}{}:
	case <-time.After(waitFor):
		t.Fatal("no export read is waiting")
	}
}

type memSettings struct {
	mu    sync.Mutex
	opts  *export.Options
	saves int
}

func (m *memSettings) Load(context.Context) (export.Options, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts == nil {
		return export.Options{}, errors.New("no settings stored")
	}
	return *m.opts, nil
}

func (m *memSettings) Save(_ context.Context, opts export.Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = &opts
	m.saves++
	return nil
}

type recorder struct {
	mu     sync.Mutex
	states []export.State
}

func (r *recorder) observe(s export.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) all() []export.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]export.State(nil), r.states...)
}

func newCoordinator(t *testing.T, store export.Store, modify ...func(*export.Config)) (*export.Coordinator, string) {
	t.Helper()
	tempDir := t.TempDir()
	cfg := export.Config{
		Store:    store,
		Renderer: render.TextRenderer{Location: time.UTC},
		TempDir:  tempDir,
		Debounce: 20 * time.Millisecond,
		Logger:   zaptest.NewLogger(t),
	}
	for _, m := range modify {
		m(&cfg)
	}
	c, err := export.NewCoordinator(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, tempDir
}

func settledAt(gen uint64) func(export.State) bool {
	return func(s export.State) bool { return export.Settled(s) && s.Generation == gen }
}

func await(t *testing.T, c *export.Coordinator, cond func(export.State) bool) export.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := c.Await(ctx, cond)
	require.NoError(t, err)
	return s
}

func jobDirs(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func textOptions() export.Options {
	return export.Options{TimeRange: export.TimeRangeAll, MinLevel: engine.LevelTrace, Format: export.FormatText}
}

func TestSingleFlight(t *testing.T) {
	store := &fakeStore{session: "s", gate: make(chan struct{})}
	c, _ := newCoordinator(t, store)
	rec := &recorder{}
	defer c.Subscribe(rec.observe)()

	require.NoError(t, c.Trigger())
	await(t, c, func(s export.State) bool { return s.IsPreparing() && s.Generation == 1 })

	require.NoError(t, c.Trigger())
	s := await(t, c, func(s export.State) bool { return s.PendingRerun })
	require.Equal(t, uint64(1), s.Generation)

	store.release(t)
	await(t, c, func(s export.State) bool { return s.IsPreparing() && s.Generation == 2 })
	store.release(t)
	s = await(t, c, settledAt(2))

	require.NotNil(t, s.Result)
	require.EqualValues(t, 2, atomic.LoadInt32(&store.calls))
	require.EqualValues(t, 1, atomic.LoadInt32(&store.maxActive))

	// The first job's result was never published and no idle gap was shown.
	for _, st := range rec.all() {
		if st.Result != nil {
			require.Equal(t, uint64(2), st.Result.Generation)
		}
		if st.Generation == 1 {
			require.Equal(t, export.PhasePreparing, st.Phase)
		}
	}
}

func TestDebounceCollapsesChanges(t *testing.T) {
	store := &fakeStore{session: "s"}
	c, _ := newCoordinator(t, store, func(cfg *export.Config) { cfg.Debounce = 100 * time.Millisecond })

	levels := []engine.Level{engine.LevelDebug, engine.LevelInfo, engine.LevelNotice, engine.LevelWarning, engine.LevelError}
	for _, lvl := range levels {
		opts := textOptions()
		opts.MinLevel = lvl
		require.NoError(t, c.UpdateOptions(context.Background(), opts))
	}
	require.Equal(t, engine.LevelError, c.CurrentOptions().MinLevel)

	s := await(t, c, settledAt(1))
	require.NotNil(t, s.Result)
	require.Equal(t, engine.LevelError, s.Result.Options.MinLevel)

	time.Sleep(300 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&store.calls))
	require.Equal(t, uint64(1), c.State().Generation)
}

func TestAtMostOneLiveArtifact(t *testing.T) {
	store := &fakeStore{session: "s", rows: []engine.LogRow{{Timestamp: 1, Session: "s", Message: "x"}}}
	c, tempDir := newCoordinator(t, store)

	var last *export.Artifact
	for gen := uint64(1); gen <= 4; gen++ {
		require.NoError(t, c.Trigger())
		s := await(t, c, settledAt(gen))
		require.NotNil(t, s.Result)
		require.Equal(t, 1, jobDirs(t, tempDir))
		if last != nil {
			require.True(t, last.Removed())
		}
		last = s.Result
	}

	require.NoError(t, c.Close())
	require.Equal(t, 0, jobDirs(t, tempDir))
	require.True(t, last.Removed())
	require.ErrorIs(t, c.Trigger(), export.ErrClosed)
	require.ErrorIs(t, c.UpdateOptions(context.Background(), textOptions()), export.ErrClosed)
}

func TestCleanupOnEncodeError(t *testing.T) {
	store := &fakeStore{session: "s"}
	var written string
	failing := export.EncoderFunc(func(ctx context.Context, filter *engine.Filter, dir string, now time.Time) (string, *engine.ArchiveInfo, error) {
		written = filepath.Join(dir, "partial.txt")
		if err := os.WriteFile(written, []byte("half"), 0644); err != nil {
			return "", nil, err
		}
		return "", nil, errors.New("disk quota exceeded")
	})
	c, tempDir := newCoordinator(t, store, func(cfg *export.Config) {
		cfg.Encoders = map[export.Format]export.Encoder{export.FormatText: failing}
	})

	require.NoError(t, c.UpdateOptions(context.Background(), textOptions()))
	s := await(t, c, settledAt(1))

	require.Nil(t, s.Result)
	require.Equal(t, "Failed to encode export: disk quota exceeded", s.ErrorMessage)
	require.Equal(t, 0, jobDirs(t, tempDir))
	_, err := os.Stat(written)
	require.True(t, os.IsNotExist(err))
}

func TestStoreReadErrorClearsResult(t *testing.T) {
	store := &fakeStore{session: "s"}
	c, tempDir := newCoordinator(t, store)

	require.NoError(t, c.UpdateOptions(context.Background(), textOptions()))
	s := await(t, c, settledAt(1))
	require.NotNil(t, s.Result)

	store.fail = storage.ErrCorrupt
	require.NoError(t, c.Trigger())
	s = await(t, c, settledAt(2))
	require.Nil(t, s.Result)
	require.True(t, strings.HasPrefix(s.ErrorMessage, "Failed to read logs"))
	require.Equal(t, 0, jobDirs(t, tempDir))

	// The coordinator keeps working after a failure.
	store.fail = nil
	require.NoError(t, c.Trigger())
	s = await(t, c, settledAt(3))
	require.NotNil(t, s.Result)
	require.Empty(t, s.ErrorMessage)
}

func TestScheduledTracksDebounce(t *testing.T) {
	store := &fakeStore{session: "s"}
	c, _ := newCoordinator(t, store, func(cfg *export.Config) { cfg.Debounce = 100 * time.Millisecond })
	require.True(t, export.Quiet(c.State()))

	require.NoError(t, c.UpdateOptions(context.Background(), textOptions()))
	s := c.State()
	require.True(t, s.Scheduled)
	require.False(t, export.Quiet(s))

	s = await(t, c, settledAt(1))
	require.False(t, s.Scheduled)
	require.True(t, export.Quiet(s))

	// Consuming the result leaves nothing pending.
	require.NoError(t, c.Share(context.Background(), export.PresenterFunc(func(context.Context, *export.Artifact) error { return nil })))
	s = await(t, c, func(s export.State) bool { return s.Result == nil })
	require.True(t, export.Quiet(s))
	require.False(t, export.Settled(s))
}

func TestFormatChangeMidExport(t *testing.T) {
	store := &fakeStore{session: "s", gate: make(chan struct{})}
	c, tempDir := newCoordinator(t, store)
	rec := &recorder{}
	defer c.Subscribe(rec.observe)()

	containerOpts := textOptions()
	containerOpts.Format = export.FormatContainer
	require.NoError(t, c.UpdateOptions(context.Background(), containerOpts))
	await(t, c, func(s export.State) bool { return s.IsPreparing() && s.Generation == 1 })

	require.NoError(t, c.UpdateOptions(context.Background(), textOptions()))
	require.True(t, c.State().PendingRerun)

	store.release(t)
	store.release(t)
	s := await(t, c, settledAt(2))

	require.NotNil(t, s.Result)
	require.Equal(t, export.FormatText, s.Result.Options.Format)
	require.True(t, strings.HasSuffix(s.Result.Name(), ".txt"))
	require.Equal(t, 1, jobDirs(t, tempDir))

	for _, st := range rec.all() {
		if st.Result != nil {
			require.Equal(t, export.FormatText, st.Result.Options.Format)
		}
	}

	// The debounce that followed the change must not start a third job.
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 2, atomic.LoadInt32(&store.calls))
}

func TestShareConsumesArtifact(t *testing.T) {
	store := &fakeStore{session: "s"}
	c, tempDir := newCoordinator(t, store)

	require.NoError(t, c.Trigger())
	s := await(t, c, settledAt(1))
	art := s.Result

	err := c.Share(context.Background(), export.PresenterFunc(func(ctx context.Context, a *export.Artifact) error {
		require.Same(t, art, a)
		_, err := os.Stat(a.Path)
		return err
	}))
	require.NoError(t, err)
	require.True(t, art.Removed())
	require.Equal(t, 0, jobDirs(t, tempDir))
	require.Eventually(t, func() bool { return c.State().Result == nil }, waitFor, 5*time.Millisecond)

	err = c.Share(context.Background(), export.PresenterFunc(func(context.Context, *export.Artifact) error { return nil }))
	require.ErrorIs(t, err, export.ErrNoArtifact)
}

func TestCancelledShareStillCleansUp(t *testing.T) {
	store := &fakeStore{session: "s"}
	c, tempDir := newCoordinator(t, store)

	require.NoError(t, c.Trigger())
	art := await(t, c, settledAt(1)).Result

	err := c.Share(context.Background(), export.PresenterFunc(func(context.Context, *export.Artifact) error {
		return export.ErrHandoffCancelled
	}))
	require.ErrorIs(t, err, export.ErrHandoffCancelled)
	require.True(t, art.Removed())
	require.Equal(t, 0, jobDirs(t, tempDir))
}

func TestShareOutlivesSupersession(t *testing.T) {
	store := &fakeStore{session: "s"}
	c, _ := newCoordinator(t, store)

	require.NoError(t, c.Trigger())
	first := await(t, c, settledAt(1)).Result

	entered := make(chan struct{})
	proceed := make(chan struct{})
	shared := make(chan error, 1)
	go func() {
		shared <- c.Share(context.Background(), export.PresenterFunc(func(ctx context.Context, a *export.Artifact) error {
			close(entered)
			<-proceed
			_, err := os.Stat(a.Path)
			return err
		}))
	}()
	<-entered

	require.NoError(t, c.Trigger())
	second := await(t, c, settledAt(2)).Result
	require.NotSame(t, first, second)
	require.False(t, first.Removed(), "a leased artifact must outlive its supersession")

	close(proceed)
	require.NoError(t, <-shared)
	require.True(t, first.Removed())
	require.False(t, second.Removed())
	require.Same(t, second, c.State().Result)
}

func TestSavePresenter(t *testing.T) {
	store := &fakeStore{session: "s", rows: []engine.LogRow{{Timestamp: 1, Session: "s", Message: "hello"}}}
	c, _ := newCoordinator(t, store)
	require.NoError(t, c.UpdateOptions(context.Background(), textOptions()))
	art := await(t, c, settledAt(1)).Result

	out := filepath.Join(t.TempDir(), "saved")
	var savedPath string
	var savedSize int64
	err := c.Share(context.Background(), export.SavePresenter{Dir: out, OnSaved: func(p string, n int64) {
		savedPath, savedSize = p, n
	}})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, art.Name()), savedPath)
	require.Equal(t, art.Size, savedSize)

	data, err := os.ReadFile(savedPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestSettingsRoundTrip(t *testing.T) {
	stored := export.Options{TimeRange: export.TimeRangeToday, MinLevel: engine.LevelWarning, Format: export.FormatText}
	settings := &memSettings{opts: &stored}
	c, _ := newCoordinator(t, &fakeStore{session: "s"}, func(cfg *export.Config) { cfg.Settings = settings })
	require.Equal(t, stored, c.CurrentOptions())

	next := stored
	next.TimeRange = export.TimeRangeLastHour
	require.NoError(t, c.UpdateOptions(context.Background(), next))
	require.Equal(t, 1, settings.saves)
	loaded, err := settings.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, next, loaded)

	require.Error(t, c.UpdateOptions(context.Background(), export.Options{TimeRange: "never"}))
	require.Equal(t, 1, settings.saves)
}

func TestMissingSettingsFallBackToDefaults(t *testing.T) {
	c, _ := newCoordinator(t, &fakeStore{session: "s"}, func(cfg *export.Config) { cfg.Settings = &memSettings{} })
	require.Equal(t, export.DefaultOptions(), c.CurrentOptions())
}

func openStore(t *testing.T) *engine.QueryEngine {
	t.Helper()
	r, err := storage.NewColumnReader()
	require.NoError(t, err)
	w, err := storage.NewColumnWriter()
	require.NoError(t, err)
	qe, err := engine.NewQueryEngine(t.TempDir(), r.ReadSnapshot, w.WriteSegment, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { qe.Close() })
	return qe
}

func TestTodayErrorTextExport(t *testing.T) {
	qe := openStore(t)
	now := time.Date(2026, 6, 15, 15, 0, 0, 0, time.Local)

	qe.Ingest(engine.LogRow{Timestamp: now.Add(-3 * time.Hour).UnixNano(), Level: engine.LevelError, Service: "api", Message: "first failure"})
	qe.Ingest(engine.LogRow{Timestamp: now.Add(-2 * time.Hour).UnixNano(), Level: engine.LevelDebug, Service: "api", Message: "noise"})
	qe.Ingest(engine.LogRow{Timestamp: now.Add(-1 * time.Hour).UnixNano(), Level: engine.LevelError, Service: "api", Message: "second failure"})
	for i := 0; i < 5; i++ {
		qe.Ingest(engine.LogRow{
			Timestamp: now.Add(-24*time.Hour + time.Duration(i)*time.Minute).UnixNano(),
			Level:     engine.LevelError,
			Message:   "yesterday",
		})
	}
	require.NoError(t, qe.Flush())

	c, _ := newCoordinator(t, qe, func(cfg *export.Config) { cfg.Now = func() time.Time { return now } })
	opts := export.Options{TimeRange: export.TimeRangeToday, MinLevel: engine.LevelError, Format: export.FormatText}
	require.NoError(t, c.UpdateOptions(context.Background(), opts))
	s := await(t, c, settledAt(1))
	require.NotNil(t, s.Result)
	require.Nil(t, s.Result.Info)
	require.Equal(t, export.FileName(now, "txt"), s.Result.Name())

	data, err := os.ReadFile(s.Result.Path)
	require.NoError(t, err)
	blocks := strings.Split(string(data), render.Separator)
	require.Len(t, blocks, 2)
	require.Contains(t, blocks[0], "first failure")
	require.Contains(t, blocks[1], "second failure")
	require.Equal(t, int64(len(data)), s.Result.Size)
}

func TestEmptyStoreContainerExport(t *testing.T) {
	qe := openStore(t)
	r, err := storage.NewColumnReader()
	require.NoError(t, err)
	c, _ := newCoordinator(t, qe, func(cfg *export.Config) { cfg.Verifier = r })

	opts := export.Options{TimeRange: export.TimeRangeAll, MinLevel: engine.LevelTrace, Format: export.FormatContainer}
	require.NoError(t, c.UpdateOptions(context.Background(), opts))
	s := await(t, c, settledAt(1))

	require.NotNil(t, s.Result)
	require.Positive(t, s.Result.Size)
	require.NotNil(t, s.Result.Info)
	require.Equal(t, 0, s.Result.Info.RowCount)
	require.Nil(t, s.Result.Info.Filter)
	require.True(t, strings.HasSuffix(s.Result.Name(), ".nano"))
	require.NoError(t, r.Verify(s.Result.Path))
}

type verifierFunc func(path string) error

func (f verifierFunc) Verify(path string) error { return f(path) }

func TestUnverifiedContainerIsDiscarded(t *testing.T) {
	store := &fakeStore{session: "s"}
	var checked string
	c, tempDir := newCoordinator(t, store, func(cfg *export.Config) {
		cfg.Verifier = verifierFunc(func(path string) error {
			checked = path
			return errors.New("checksum mismatch")
		})
	})

	opts := export.Options{TimeRange: export.TimeRangeAll, MinLevel: engine.LevelTrace, Format: export.FormatContainer}
	require.NoError(t, c.UpdateOptions(context.Background(), opts))
	s := await(t, c, settledAt(1))

	require.Nil(t, s.Result)
	require.Equal(t, "Failed to encode export: checksum mismatch", s.ErrorMessage)
	require.True(t, strings.HasSuffix(checked, ".nano"))
	require.NoFileExists(t, checked)
	require.Equal(t, 0, jobDirs(t, tempDir))
}

func TestContainerVerifiedAgainstStorage(t *testing.T) {
	// The fake store writes bytes that are not a .nano file.
	store := &fakeStore{session: "s"}
	r, err := storage.NewColumnReader()
	require.NoError(t, err)
	c, _ := newCoordinator(t, store, func(cfg *export.Config) { cfg.Verifier = r })

	opts := export.Options{TimeRange: export.TimeRangeAll, MinLevel: engine.LevelTrace, Format: export.FormatContainer}
	require.NoError(t, c.UpdateOptions(context.Background(), opts))
	s := await(t, c, settledAt(1))

	require.Nil(t, s.Result)
	require.True(t, strings.HasPrefix(s.ErrorMessage, "Failed to encode export: "), s.ErrorMessage)
}

func TestTaskGroupsRenderAsOneBlock(t *testing.T) {
	qe := openStore(t)
	qe.Ingest(engine.LogRow{Timestamp: 1, Message: "alone"})
	qe.Ingest(engine.LogRow{Timestamp: 2, Task: "sync", Message: "start"})
	qe.Ingest(engine.LogRow{Timestamp: 3, Task: "sync", Message: "done"})

	c, _ := newCoordinator(t, qe)
	opts := export.Options{TimeRange: export.TimeRangeCurrentSession, Format: export.FormatText}
	require.NoError(t, c.UpdateOptions(context.Background(), opts))
	s := await(t, c, settledAt(1))

	data, err := os.ReadFile(s.Result.Path)
	require.NoError(t, err)
	blocks := strings.Split(string(data), render.Separator)
	require.Len(t, blocks, 2)
	require.True(t, strings.HasPrefix(blocks[1], "Task sync (2 entries)"))
}
