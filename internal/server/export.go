package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/coffersTech/nanolog-export/internal/export"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// OptionsView is the wire form of export.Options. Levels travel by name.
type OptionsView struct {
	TimeRange string `json:"time_range"`
	MinLevel  string `json:"min_level"`
	Format    string `json:"format"`
	Query     string `json:"query,omitempty"`
}

func viewOptions(o export.Options) OptionsView {
	return OptionsView{
		TimeRange: string(o.TimeRange),
		MinLevel:  o.MinLevel.String(),
		Format:    string(o.Format),
		Query:     o.Query,
	}
}

type ArtifactView struct {
	Name       string              `json:"name"`
	Size       int64               `json:"size"`
	Format     string              `json:"format"`
	Generation uint64              `json:"generation"`
	Info       *engine.ArchiveInfo `json:"info,omitempty"`
}

type StateView struct {
	Preparing    bool          `json:"preparing"`
	PendingRerun bool          `json:"pending_rerun"`
	Scheduled    bool          `json:"scheduled"`
	Generation   uint64        `json:"generation"`
	Options      OptionsView   `json:"options"`
	Result       *ArtifactView `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func viewState(st export.State) StateView {
	v := StateView{
		Preparing:    st.IsPreparing(),
		PendingRerun: st.PendingRerun,
		Scheduled:    st.Scheduled,
		Generation:   st.Generation,
		Options:      viewOptions(st.Options),
		Error:        st.ErrorMessage,
	}
	if a := st.Result; a != nil {
		v.Result = &ArtifactView{
			Name:       a.Name(),
			Size:       a.Size,
			Format:     string(a.Options.Format),
			Generation: a.Generation,
			Info:       a.Info,
		}
	}
	return v
}

// mergeOptions applies the fields present in v on top of cur.
func mergeOptions(cur export.Options, v *fastjson.Value) (export.Options, error) {
	opts := cur
	if b := v.GetStringBytes("time_range"); b != nil {
		tr, err := export.ParseTimeRange(string(b))
		if err != nil {
			return cur, err
		}
		opts.TimeRange = tr
	}
	if lv := v.Get("min_level"); lv != nil {
		switch lv.Type() {
		case fastjson.TypeNumber:
			n, err := lv.Int64()
			if err != nil || n < 0 || n > int64(engine.LevelCritical) {
				return cur, fmt.Errorf("min_level %s is not a level number (0-%d)", lv, engine.LevelCritical)
			}
			opts.MinLevel = engine.Level(n)
		case fastjson.TypeString:
			lvl, err := engine.ParseLevel(string(lv.GetStringBytes()))
			if err != nil {
				return cur, err
			}
			opts.MinLevel = lvl
		default:
			return cur, errors.New("min_level must be a name or a number")
		}
	}
	if b := v.GetStringBytes("format"); b != nil {
		f, err := export.ParseFormat(string(b))
		if err != nil {
			return cur, err
		}
		opts.Format = f
	}
	if v.Exists("query") {
		opts.Query = string(v.GetStringBytes("query"))
	}
	return opts, opts.Validate()
}

func (s *ExportServer) handleOptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, viewOptions(s.coord.CurrentOptions()), s.log)

	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		p := s.parser.Get()
		defer s.parser.Put(p)
		v, err := p.ParseBytes(body)
		if err != nil || v.Type() != fastjson.TypeObject {
			http.Error(w, "Invalid JSON object", http.StatusBadRequest)
			return
		}

		opts, err := mergeOptions(s.coord.CurrentOptions(), v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.coord.UpdateOptions(r.Context(), opts); err != nil {
			if errors.Is(err, export.ErrClosed) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			// Accepted by the coordinator but not persisted.
			s.log.Warn("Export options not persisted", zap.Error(err))
		}
		writeJSON(w, http.StatusAccepted, viewOptions(opts), s.log)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *ExportServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, viewState(s.coord.State()), s.log)
}

func (s *ExportServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.coord.Trigger(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, viewState(s.coord.State()), s.log)
}

// handleDownload streams the current artifact and consumes it. With
// ?wait=true it first blocks until a running or scheduled export settles;
// with nothing pending it answers at once.
func (s *ExportServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		settled := func(st export.State) bool { return export.Settled(st) || export.Quiet(st) }
		if _, err := s.coord.Await(r.Context(), settled); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	p := &httpPresenter{w: w}
	err := s.coord.Share(r.Context(), p)
	switch {
	case err == nil:
	case p.started:
		// Headers are gone; the client sees a short body.
		s.log.Warn("Export download interrupted", zap.Error(err))
	case errors.Is(err, export.ErrNoArtifact):
		st := s.coord.State()
		if st.ErrorMessage != "" {
			http.Error(w, st.ErrorMessage, http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, export.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Error("Export download failed", zap.Error(err))
		http.Error(w, "Download failed", http.StatusInternalServerError)
	}
}

// httpPresenter writes the artifact as an attachment.
type httpPresenter struct {
	w       http.ResponseWriter
	started bool
}

func (p *httpPresenter) Present(ctx context.Context, a *export.Artifact) error {
	f, err := openArtifact(a)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if a.Options.Format == export.FormatText {
		contentType = "text/plain; charset=utf-8"
	}
	h := p.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(a.Size, 10))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name()))
	p.w.WriteHeader(http.StatusOK)
	p.started = true

	if _, err := io.Copy(p.w, f); err != nil {
		if ctx.Err() != nil {
			return export.ErrHandoffCancelled
		}
		return err
	}
	return nil
}
