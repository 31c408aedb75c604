package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/coffersTech/nanolog-export/internal/export"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 8 << 20

// LogStore is the part of the query engine the HTTP surface needs.
type LogStore interface {
	Ingest(row engine.LogRow)
	SyncWAL()
	Scan(ctx context.Context, filter *engine.Filter) ([]engine.LogRow, error)
	GetStats() engine.SystemStats
}

type ExportServer struct {
	store   LogStore
	coord   *export.Coordinator
	limiter *rate.Limiter // nil disables ingest limiting
	log     *zap.Logger
	parser  fastjson.ParserPool
	srv     *http.Server
}

func NewExportServer(store LogStore, coord *export.Coordinator, limiter *rate.Limiter, logger *zap.Logger) *ExportServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportServer{
		store:   store,
		coord:   coord,
		limiter: limiter,
		log:     logger,
	}
}

// Handler returns the API routes.
func (s *ExportServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ingest", s.handleIngest)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/stats", s.handleStats)

	mux.HandleFunc("/api/export/options", s.handleOptions)
	mux.HandleFunc("/api/export/state", s.handleState)
	mux.HandleFunc("/api/export/trigger", s.handleTrigger)
	mux.HandleFunc("/api/export/download", s.handleDownload)
	return mux
}

// Start runs the HTTP server.
func (s *ExportServer) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *ExportServer) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *ExportServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.log.Warn("Failed to read ingest body", zap.Error(err))
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		s.log.Debug("JSON parse error", zap.Error(err), zap.Int("bytes", len(body)))
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	remoteHost := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteHost = host
	}

	accepted := 0
	// Handle batch (Array) or single (Object)
	if v.Type() == fastjson.TypeArray {
		arr, _ := v.Array()
		for _, val := range arr {
			s.store.Ingest(RowFromJSON(val, remoteHost))
			accepted++
		}
	} else {
		s.store.Ingest(RowFromJSON(v, remoteHost))
		accepted++
	}

	// Batch Sync WAL to disk once per request
	s.store.SyncWAL()

	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted}, s.log)
}

// RowFromJSON converts one ingest object into a row. Missing services
// default to "default" and missing hosts to fallbackHost.
func RowFromJSON(val *fastjson.Value, fallbackHost string) engine.LogRow {
	row := engine.LogRow{
		Timestamp: val.GetInt64("timestamp"),
		Session:   string(val.GetStringBytes("session")),
		Task:      string(val.GetStringBytes("task")),
		Service:   string(val.GetStringBytes("service")),
		Host:      string(val.GetStringBytes("host")),
		Message:   string(val.GetStringBytes("message")),
	}

	if lv := val.Get("level"); lv != nil && lv.Type() == fastjson.TypeNumber {
		n := lv.GetUint()
		if n > uint(engine.LevelCritical) {
			n = uint(engine.LevelCritical)
		}
		row.Level = engine.Level(n)
	} else {
		row.Level = engine.EncodeLevel(string(val.GetStringBytes("level")))
	}

	if row.Service == "" {
		row.Service = "default"
	}
	if row.Host == "" {
		row.Host = fallbackHost
	}
	if row.Message == "" {
		row.Message = string(val.GetStringBytes("msg"))
	}
	return row
}

func (s *ExportServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := &engine.Filter{}

	// Support both min_ts and start aliases
	minTsStr := q.Get("min_ts")
	if minTsStr == "" {
		minTsStr = q.Get("start")
	}
	if minTsStr != "" {
		if val, err := strconv.ParseInt(minTsStr, 10, 64); err == nil {
			filter.MinTime = val
		}
	}
	if levelStr := q.Get("level"); levelStr != "" {
		lvl, err := engine.ParseLevel(levelStr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.ByLevel = true
		filter.MinLevel = lvl
	}
	if session := q.Get("session"); session != "" {
		filter.BySession = true
		filter.Session = session
	}
	if err := filter.SetQuery(q.Get("q")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Parse limit parameter (default 100)
	limit := 100
	if parsed, err := strconv.Atoi(q.Get("limit")); err == nil && parsed > 0 {
		limit = parsed
	}

	rows, err := s.store.Scan(r.Context(), filter)
	if err != nil {
		s.log.Error("Query error", zap.Error(err))
		http.Error(w, "Query failed", http.StatusInternalServerError)
		return
	}
	// Newest rows win when the result is capped.
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	if rows == nil {
		rows = []engine.LogRow{}
	}
	writeJSON(w, http.StatusOK, rows, s.log)
}

func (s *ExportServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetStats(), s.log)
}

func writeJSON(w http.ResponseWriter, status int, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("JSON encode error", zap.Error(err))
	}
}

func openArtifact(a *export.Artifact) (*os.File, error) {
	f, err := os.Open(a.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, export.ErrNoArtifact
	}
	return f, err
}
