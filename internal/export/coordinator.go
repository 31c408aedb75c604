package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last option change before
// an export starts.
const DefaultDebounce = 500 * time.Millisecond

// Phase is the externally visible coordinator state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
)

func (p Phase) String() string {
	if p == PhasePreparing {
		return "preparing"
	}
	return "idle"
}

// State is a published snapshot of the coordinator.
type State struct {
	Phase        Phase
	PendingRerun bool // a newer request arrived while preparing
	Scheduled    bool // an export starts when the debounce window closes
	Options      Options
	Result       *Artifact
	ErrorMessage string
	Generation   uint64 // id of the latest started job
}

func (s State) IsPreparing() bool { return s.Phase == PhasePreparing }

// Settled reports whether s is idle with either a result or an error.
func Settled(s State) bool {
	return s.Phase == PhaseIdle && (s.Result != nil || s.ErrorMessage != "")
}

// Quiet reports whether s stays as it is until the next request: no job
// is running and none is scheduled.
func Quiet(s State) bool {
	return s.Phase == PhaseIdle && !s.Scheduled
}

// Settings persists the user's export options.
type Settings interface {
	Load(ctx context.Context) (Options, error)
	Save(ctx context.Context, opts Options) error
}

type Config struct {
	Store    Store
	Renderer Renderer
	Settings Settings // optional
	Verifier Verifier // optional, checks container exports
	TempDir  string   // parent of per-job directories, os.TempDir() when empty
	Debounce time.Duration
	Logger   *zap.Logger
	Now      func() time.Time

	// Encoders replaces the codec used for a format.
	Encoders map[Format]Encoder
}

// Coordinator runs debounced, single-flight export jobs and owns the
// resulting artifact. All mutable state belongs to the loop goroutine;
// observers are called on it and must not call back into the
// coordinator synchronously.
type Coordinator struct {
	store    Store
	settings Settings
	encoders map[Format]Encoder
	tempDir  string
	debounce time.Duration
	now      func() time.Time
	log      *zap.Logger

	events chan func()
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup

	// loop-owned
	state        State
	optionsSeq   uint64
	startedSeq   uint64
	timer        *time.Timer
	observers    map[int]func(State)
	nextObserver int
	closing      bool

	mu       sync.RWMutex
	snapshot State

	saveMu    sync.Mutex
	savedSeq  uint64
	closeOnce sync.Once
}

// NewCoordinator loads the persisted options and starts the event loop.
func NewCoordinator(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("export: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	reader := SnapshotReader{Store: cfg.Store}
	encoders := map[Format]Encoder{
		FormatContainer: ContainerEncoder{Store: cfg.Store, Verifier: cfg.Verifier},
		FormatText:      TextEncoder{Reader: reader, Renderer: cfg.Renderer},
	}
	for f, enc := range cfg.Encoders {
		encoders[f] = enc
	}

	opts := DefaultOptions()
	if cfg.Settings != nil {
		loaded, err := cfg.Settings.Load(ctx)
		switch {
		case err != nil:
			cfg.Logger.Warn("Failed to load export options, using defaults", zap.Error(err))
		case loaded.Validate() != nil:
			cfg.Logger.Warn("Stored export options are invalid, using defaults", zap.Error(loaded.Validate()))
		default:
			opts = loaded
		}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:     cfg.Store,
		settings:  cfg.Settings,
		encoders:  encoders,
		tempDir:   cfg.TempDir,
		debounce:  cfg.Debounce,
		now:       cfg.Now,
		log:       cfg.Logger,
		events:    make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       jobCtx,
		cancel:    cancel,
		observers: make(map[int]func(State)),
	}
	c.state.Options = opts
	c.snapshot = c.state

	go c.run()
	return c, nil
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.quit:
			return
		}
	}
}

// do schedules fn on the loop. It reports false once the loop has stopped.
func (c *Coordinator) do(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call runs fn on the loop and waits for it to return.
func (c *Coordinator) call(fn func()) bool {
	reply := make(chan struct{})
	if !c.do(func() {
		defer close(reply)
		fn()
	}) {
		return false
	}
	<-reply
	return true
}

// State returns the last published state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// CurrentOptions returns the options the next job will use.
func (c *Coordinator) CurrentOptions() Options {
	return c.State().Options
}

// Subscribe registers fn for every published state, starting with the
// current one. The returned function unregisters it.
func (c *Coordinator) Subscribe(fn func(State)) (cancel func()) {
	var id int
	if !c.call(func() {
		id = c.nextObserver
		c.nextObserver++
		c.observers[id] = fn
		fn(c.state)
	}) {
		return func() {}
	}
	return func() {
		c.do(func() { delete(c.observers, id) })
	}
}

// Await blocks until a published state satisfies cond.
func (c *Coordinator) Await(ctx context.Context, cond func(State) bool) (State, error) {
	ch := make(chan State, 1)
	unsubscribe := c.Subscribe(func(s State) {
		if cond(s) {
			select {
			case ch <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-c.done:
		return State{}, ErrClosed
	}
}

// UpdateOptions records new options and schedules an export after the
// debounce window. A change that arrives while a job runs marks a rerun
// right away, so the running job's result is never published.
func (c *Coordinator) UpdateOptions(ctx context.Context, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	var seq uint64
	var closed bool
	if !c.call(func() {
		if c.closing {
			closed = true
			return
		}
		c.optionsSeq++
		seq = c.optionsSeq
		c.state.Options = opts
		if c.state.Phase == PhasePreparing && !c.state.PendingRerun {
			c.state.PendingRerun = true
			c.log.Debug("Export rerun requested", zap.Uint64("generation", c.state.Generation))
		}
		c.armDebounce(seq)
		c.publish()
	}) || closed {
		return ErrClosed
	}

	if c.settings == nil {
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if seq <= c.savedSeq {
		return nil
	}
	c.savedSeq = seq
	if err := c.settings.Save(ctx, opts); err != nil {
		return fmt.Errorf("save export options: %w", err)
	}
	return nil
}

// Trigger starts an export with the current options without waiting for
// the debounce window.
func (c *Coordinator) Trigger() error {
	var closed bool
	if !c.call(func() {
		if c.closing {
			closed = true
			return
		}
		c.trigger()
	}) || closed {
		return ErrClosed
	}
	return nil
}

// Share hands the current artifact to p. The artifact is consumed by the
// hand-off whatever its outcome: the result is cleared and its directory
// removed once p returns.
func (c *Coordinator) Share(ctx context.Context, p Presenter) error {
	var art *Artifact
	if !c.call(func() {
		if !c.closing && c.state.Result != nil && c.state.Result.acquire() {
			art = c.state.Result
		}
	}) {
		return ErrClosed
	}
	if art == nil {
		return ErrNoArtifact
	}

	err := p.Present(ctx, art)
	switch {
	case errors.Is(err, ErrHandoffCancelled):
		c.log.Info("Export hand-off cancelled", zap.String("file", art.Name()))
	case err != nil:
		c.log.Warn("Export hand-off failed", zap.String("file", art.Name()), zap.Error(err))
	default:
		c.log.Info("Export handed off", zap.String("file", art.Name()), zap.Int64("bytes", art.Size))
	}

	c.do(func() {
		if c.state.Result == art {
			c.state.Result = nil
			c.publish()
		}
	})
	art.Release()
	art.returnLease()
	return err
}

// Close stops the loop, cancels a running job and removes any artifact.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.call(func() {
			c.closing = true
			if c.timer != nil {
				c.timer.Stop()
			}
		})
		c.cancel()
		c.jobs.Wait()
		c.call(func() {
			if c.state.Result != nil {
				c.state.Result.Release()
				c.state.Result = nil
			}
			c.state.Phase = PhaseIdle
			c.state.PendingRerun = false
			c.state.Scheduled = false
			c.publish()
		})
		close(c.quit)
		<-c.done
	})
	return nil
}

func (c *Coordinator) armDebounce(seq uint64) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state.Scheduled = true
	c.timer = time.AfterFunc(c.debounce, func() {
		c.do(func() { c.debounceFired(seq) })
	})
}

func (c *Coordinator) debounceFired(seq uint64) {
	// A newer change re-armed the timer.
	if c.closing || seq != c.optionsSeq {
		return
	}
	c.state.Scheduled = false
	// A job may already have picked up these options.
	if seq > c.startedSeq {
		c.trigger()
	}
	c.publish()
}

func (c *Coordinator) trigger() {
	if c.state.Phase == PhasePreparing {
		if !c.state.PendingRerun {
			c.state.PendingRerun = true
			c.publish()
		}
		return
	}
	c.startJob()
}

func (c *Coordinator) startJob() {
	c.state.Generation++
	gen := c.state.Generation
	opts := c.state.Options
	c.startedSeq = c.optionsSeq

	// The displayed artifact is superseded before the new job writes anything.
	if c.state.Result != nil {
		c.state.Result.Release()
		c.state.Result = nil
	}
	c.state.Phase = PhasePreparing
	c.state.PendingRerun = false
	c.state.Scheduled = false
	c.state.ErrorMessage = ""
	c.publish()

	c.log.Info("Export started",
		zap.Uint64("generation", gen),
		zap.String("range", string(opts.TimeRange)),
		zap.Stringer("min_level", opts.MinLevel),
		zap.String("format", string(opts.Format)),
	)

	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		art, err := c.runJob(c.ctx, gen, opts)
		if !c.do(func() { c.finishJob(gen, art, err) }) && art != nil {
			art.Release()
		}
	}()
}

func (c *Coordinator) finishJob(gen uint64, art *Artifact, err error) {
	c.state.Phase = PhaseIdle

	if c.closing {
		if art != nil {
			art.Release()
		}
		c.publish()
		return
	}

	if c.state.PendingRerun {
		if art != nil {
			art.Release()
		}
		if err != nil {
			c.log.Debug("Discarded failed export", zap.Uint64("generation", gen), zap.Error(err))
		}
		c.startJob()
		return
	}

	if err != nil {
		c.state.Result = nil
		c.state.ErrorMessage = userMessage(err)
		c.log.Error("Export failed", zap.Uint64("generation", gen), zap.Error(err))
	} else {
		c.state.Result = art
		c.log.Info("Export ready",
			zap.Uint64("generation", gen),
			zap.String("file", art.Name()),
			zap.Int64("bytes", art.Size),
		)
	}
	c.publish()
}

// runJob owns the job's temporary directory: it is removed on every exit
// path unless an artifact takes it over.
func (c *Coordinator) runJob(ctx context.Context, gen uint64, opts Options) (*Artifact, error) {
	dir, err := os.MkdirTemp(c.tempDir, "export-*")
	if err != nil {
		return nil, filesystemError("create temp dir", err)
	}
	keep := false
	defer func() {
		if keep {
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			c.log.Warn("Failed to remove export temp dir", zap.String("dir", dir), zap.Error(err))
		}
	}()

	now := c.now()
	filter, err := BuildFilter(opts, c.store.CurrentSession(), now)
	if err != nil {
		return nil, encodeError("build filter", err)
	}

	enc := c.encoders[opts.Format]
	if enc == nil {
		return nil, encodeError("select encoder", fmt.Errorf("unsupported format %q", opts.Format))
	}
	path, info, err := enc.Encode(ctx, filter, dir, now)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			err = encodeError("encode", err)
		}
		return nil, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, filesystemError("stat artifact", err)
	}

	keep = true
	return newArtifact(dir, path, st.Size(), info, opts, gen, c.artifactRemoved), nil
}

func (c *Coordinator) artifactRemoved(dir string, err error) {
	if err != nil {
		c.log.Warn("Failed to remove export artifact", zap.String("dir", dir), zap.Error(err))
		return
	}
	c.log.Debug("Export artifact removed", zap.String("dir", dir))
}

// publish copies the loop state to the snapshot and notifies observers.
func (c *Coordinator) publish() {
	c.mu.Lock()
	c.snapshot = c.state
	c.mu.Unlock()
	for _, fn := range c.observers {
		fn(c.state)
	}
}
