//go:build unix

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/devhook/internal/action"
	"github.com/g960059/devhook/internal/api"
	"github.com/g960059/devhook/internal/config"
	"github.com/g960059/devhook/internal/db"
	"github.com/g960059/devhook/internal/device"
	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/model"
	"github.com/g960059/devhook/internal/monitor"
	"github.com/g960059/devhook/internal/notify"
	"github.com/g960059/devhook/internal/security"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 1000
	healthHistoryLimit = 10
)

type MonitorControl interface {
	Start(ctx context.Context) error
	Stop()
	Status() monitor.Status
}

type Deps struct {
	Store    *db.Store
	Monitor  MonitorControl
	Provider device.Provider
	Actions  action.Store
	Hub      *notify.Hub
	Log      logger.Logger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	log      logger.Logger
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	streamID string
	sequence atomic.Int64
	mu       sync.Mutex
	baseCtx  context.Context
	shutdown sync.Once
	shutErr  error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	log := deps.Log
	if log == nil {
		log = logger.NewTestLogger()
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      log.WithComponent("api"),
		streamID: uuid.NewString(),
		baseCtx:  context.Background(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/devices", s.devicesHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/v1/events/", s.eventHandler)
	mux.HandleFunc("/v1/monitor/start", s.monitorStartHandler)
	mux.HandleFunc("/v1/monitor/stop", s.monitorStopHandler)
	mux.HandleFunc("/v1/watch", s.watchHandler)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves the API on the unix socket until ctx is done. ctx is also
// the lifetime of a monitor started through the API.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.baseCtx = ctx
	s.mu.Unlock()
	s.log.Info().Str("socket", s.cfg.SocketPath).Msg("api listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutErr = errors.Join(errs...)
		}
	})
	return s.shutErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		Monitor:       string(model.LoopStopped),
		Polling:       string(model.HealthOK),
	}
	if s.deps.Monitor != nil {
		st := s.deps.Monitor.Status()
		resp.Monitor = string(st.State)
		resp.Polling = string(st.Health)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "monitor not configured")
		return
	}
	resp, err := s.buildStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to read journal")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// pather is implemented by action stores loaded from a file.
type pather interface {
	Path() string
}

func (s *Server) buildStatus(ctx context.Context) (api.StatusResponse, error) {
	st := s.deps.Monitor.Status()
	resp := api.StatusResponse{
		SchemaVersion:       api.SchemaVersion,
		GeneratedAt:         time.Now().UTC(),
		State:               string(st.State),
		Health:              string(st.Health),
		ConsecutiveFailures: st.ConsecutiveFailures,
		KnownDevices:        make([]string, 0, len(st.Known)),
		StartedAt:           optionalTS(st.StartedAt),
		LastTickAt:          optionalTS(st.LastTickAt),
		LastError:           st.LastError,
		Ticks:               st.Ticks,
		ProviderFailures:    st.ProviderFailures,
		Transitions:         st.Transitions,
		Actions:             st.Actions,
		HealthHistory:       []api.HealthChangeItem{},
	}
	for _, id := range st.Known {
		resp.KnownDevices = append(resp.KnownDevices, string(id))
	}
	if s.deps.Hub != nil {
		resp.NotificationsDropped = s.deps.Hub.Dropped()
	}
	if s.deps.Actions != nil {
		resp.ConfiguredDevices = len(s.deps.Actions.Actions())
		if p, ok := s.deps.Actions.(pather); ok {
			resp.ActionsPath = p.Path()
		}
	}
	if s.deps.Store != nil {
		changes, err := s.deps.Store.ListHealthChanges(ctx, healthHistoryLimit)
		if err != nil {
			return api.StatusResponse{}, err
		}
		for _, c := range changes {
			resp.HealthHistory = append(resp.HealthHistory, api.HealthChangeItem{
				Health:              string(c.Health),
				ConsecutiveFailures: c.ConsecutiveFailures,
				Reason:              c.Reason,
				ChangedAt:           c.At.UTC().Format(time.RFC3339Nano),
			})
		}
	}
	return resp, nil
}

func (s *Server) devicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Provider == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "device provider not configured")
		return
	}
	entries, err := s.deps.Provider.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, err.Error())
		return
	}
	known := map[model.DeviceIdentity]bool{}
	if s.deps.Monitor != nil {
		for _, id := range s.deps.Monitor.Status().Known {
			known[id] = true
		}
	}
	var actions model.ActionMap
	if s.deps.Actions != nil {
		actions = s.deps.Actions.Actions()
	}

	items := make([]api.DeviceItem, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.RawID) == "" {
			continue
		}
		id := e.Identity()
		item := api.DeviceItem{
			DeviceID:    string(id),
			DisplayName: e.DisplayName,
			RawID:       e.RawID,
			Known:       known[id],
		}
		for kind, spec := range actions[id] {
			if item.Actions == nil {
				item.Actions = map[string]api.ActionItem{}
			}
			item.Actions[string(kind)] = api.ActionItem{Type: string(spec.Kind), Target: security.RedactCommand(spec.Target)}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DeviceID < items[j].DeviceID })
	s.writeJSON(w, http.StatusOK, api.DevicesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Devices:       items,
	})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "journal not configured")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultEventsLimit, maxEventsLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, err.Error())
		return
	}
	filter := db.TransitionFilter{
		Device: model.DeviceIdentity(r.URL.Query().Get("device")),
		Limit:  limit,
	}
	events, err := s.deps.Store.ListTransitions(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to read journal")
		return
	}
	items := make([]api.EventItem, 0, len(events))
	for _, ev := range events {
		attempts, err := s.deps.Store.ListAttempts(r.Context(), ev.EventID, 0)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to read journal")
			return
		}
		items = append(items, toEventItem(ev, attempts))
	}
	s.writeJSON(w, http.StatusOK, api.EventsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Events:        items,
	})
}

// eventHandler serves GET /v1/events/{event_id}.
func (s *Server) eventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "journal not configured")
		return
	}
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/events/"))
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "event id is required")
		return
	}
	ev, err := s.deps.Store.GetTransition(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "event not found: "+id)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to read journal")
		return
	}
	attempts, err := s.deps.Store.ListAttempts(r.Context(), ev.EventID, 0)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to read journal")
		return
	}
	s.writeJSON(w, http.StatusOK, toEventItem(ev, attempts))
}

func (s *Server) monitorStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "monitor not configured")
		return
	}
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	changed := true
	if err := s.deps.Monitor.Start(ctx); err != nil {
		if !errors.Is(err, monitor.ErrAlreadyRunning) {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, err.Error())
			return
		}
		changed = false
	}
	s.log.Info().Bool("changed", changed).Msg("monitor start requested")
	s.writeMonitorResponse(w, changed)
}

func (s *Server) monitorStopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "monitor not configured")
		return
	}
	changed := s.deps.Monitor.Status().State != model.LoopStopped
	s.deps.Monitor.Stop()
	s.log.Info().Bool("changed", changed).Msg("monitor stop requested")
	s.writeMonitorResponse(w, changed)
}

func (s *Server) writeMonitorResponse(w http.ResponseWriter, changed bool) {
	s.writeJSON(w, http.StatusOK, api.MonitorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		State:         string(s.deps.Monitor.Status().State),
		Changed:       changed,
	})
}

// watchHandler streams hub messages as JSON lines until the client goes
// away, the hub closes, or ?limit messages were sent.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "notifications not configured")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 0, 1<<20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, err.Error())
		return
	}

	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	sub, cancel := s.deps.Hub.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	emit := func(line api.WatchLine) bool {
		if err := enc.Encode(line); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !emit(s.watchLine("hello", nil)) {
		return
	}
	sent := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-base.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if !emit(s.watchLine("message", &msg)) {
				return
			}
			sent++
			if limit > 0 && sent >= limit {
				return
			}
		}
	}
}

func (s *Server) watchLine(typ string, msg *notify.Message) api.WatchLine {
	line := api.WatchLine{
		SchemaVersion: api.SchemaVersion,
		EmittedAt:     time.Now().UTC(),
		StreamID:      s.streamID,
		Sequence:      s.sequence.Add(1),
		Type:          typ,
	}
	if msg != nil {
		at := msg.At
		line.Kind = string(msg.Kind)
		line.EventID = msg.EventID
		line.DeviceID = msg.DeviceID
		line.EventType = msg.EventType
		line.Health = msg.Health
		line.Text = msg.Text
		line.At = &at
	}
	return line
}

func toEventItem(ev model.TransitionEvent, attempts []model.ActionAttempt) api.EventItem {
	item := api.EventItem{
		EventID:    ev.EventID,
		DeviceID:   string(ev.Device),
		EventType:  string(ev.Kind),
		ObservedAt: ev.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, a := range attempts {
		item.Attempts = append(item.Attempts, api.AttemptItem{
			AttemptID:      a.AttemptID,
			ActionType:     a.ActionKind,
			Target:         a.Target,
			Outcome:        string(a.Outcome),
			AlreadyRunning: a.AlreadyRunning,
			Terminated:     a.Terminated,
			Skipped:        a.Skipped,
			Error:          a.Error,
			StartedAt:      a.StartedAt.UTC().Format(time.RFC3339Nano),
			DurationMS:     a.Duration.Milliseconds(),
		})
	}
	return item
}

func optionalTS(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}

func parseLimit(raw string, def, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
