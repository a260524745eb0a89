package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"peerprep/config"
	"peerprep/internal/status"
	"peerprep/internal/store"
	"peerprep/models"
	"peerprep/monitoring"

	"github.com/go-co-op/gocron/v2"
)

// Hub manages the resident collaboration sessions. Sessions are loaded from
// the snapshot store on first join and evicted once nobody is connected.
type Hub struct {
	snapshots *store.SnapshotStore
	config    *config.Config

	mu       sync.RWMutex
	sessions map[string]*Session

	scheduler gocron.Scheduler
}

func NewHub(snapshots *store.SnapshotStore, cfg *config.Config) *Hub {
	return &Hub{
		snapshots: snapshots,
		config:    cfg,
		sessions:  make(map[string]*Session),
	}
}

func (h *Hub) resident(sessionID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// load returns the resident session, reading it from the store if needed.
func (h *Hub) load(ctx context.Context, sessionID string) (*Session, error) {
	if s := h.resident(sessionID); s != nil {
		return s, nil
	}

	snap, err := h.snapshots.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok {
		return s, nil
	}
	s := newSession(snap, h.snapshots)
	h.sessions[sessionID] = s
	monitoring.SetResidentSessions(len(h.sessions))
	return s, nil
}

// Join registers c with its session. It fails with status.ErrNotReady when the
// session has not been materialized and status.ErrForbidden for outsiders.
func (h *Hub) Join(ctx context.Context, c *Client) error {
	if c.SessionID == "" || c.UserID == "" {
		return fmt.Errorf("session_id and user_id are required: %w", status.ErrValidation)
	}

	for {
		s, err := h.load(ctx, c.SessionID)
		if err != nil {
			return err
		}
		err = s.join(c)
		if errors.Is(err, errEvicted) {
			// lost a race with eviction; the next load reads it back
			continue
		}
		return err
	}
}

func (h *Hub) Leave(ctx context.Context, c *Client) {
	s := h.resident(c.SessionID)
	if s == nil {
		return
	}
	if s.leave(c) {
		h.evictIfIdle(ctx, s)
	}
}

// Handle applies one inbound frame from c. Failures go back to c alone.
func (h *Hub) Handle(ctx context.Context, c *Client, data []byte) {
	s := h.resident(c.SessionID)
	if s == nil {
		return
	}

	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(c, errorFrame(fmt.Errorf("malformed frame: %w", status.ErrValidation)))
		return
	}

	var err error
	switch msg.Type {
	case MsgCodeUpdate:
		if msg.Code == nil {
			err = fmt.Errorf("code is required: %w", status.ErrValidation)
			break
		}
		err = s.updateCode(ctx, c, *msg.Code)
	case MsgLineUpdate:
		err = s.updateLine(ctx, c, msg.LineNumber, msg.Content)
	case MsgRequestLineLock:
		err = s.requestLineLock(c, msg.LineNumber, msg.Action)
	case MsgCursorMove:
		s.moveCursor(c, msg.Cursor)
	case MsgChatMessage:
		err = s.chat(ctx, c, msg.Message)
	case MsgLanguageChange:
		err = s.changeLanguage(ctx, c, msg.Language)
	case MsgNotesUpdate:
		if msg.Notes == nil {
			err = fmt.Errorf("notes is required: %w", status.ErrValidation)
			break
		}
		err = s.updateNotes(ctx, c, *msg.Notes)
	case MsgRequestState:
		s.sendState(c)
	default:
		err = fmt.Errorf("unknown message type %q: %w", msg.Type, status.ErrValidation)
	}

	if err != nil {
		slog.Warn("collab frame rejected", "session_id", c.SessionID, "user_id", c.UserID, "type", msg.Type, "error", err)
		s.reply(c, errorFrame(err))
	}

	// a broadcast may have dropped every connection
	if s.connections() == 0 {
		h.evictIfIdle(ctx, s)
	}
}

// evictIfIdle drops s from memory when it has no connections. The store
// already holds its latest state; the final save only refreshes the TTL.
func (h *Hub) evictIfIdle(ctx context.Context, s *Session) bool {
	h.mu.Lock()
	s.mu.Lock()
	if s.evicted || len(s.clients) > 0 {
		s.mu.Unlock()
		h.mu.Unlock()
		return false
	}
	s.evicted = true
	snap := *s.snap
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	monitoring.SetResidentSessions(len(h.sessions))
	s.mu.Unlock()
	h.mu.Unlock()

	if err := h.snapshots.Save(ctx, &snap); err != nil {
		slog.Warn("persist evicted session", "session_id", s.id, "error", err)
	}
	slog.Info("session evicted", "session_id", s.id)
	return true
}

// Materialize consumes a match.found event: it creates the snapshot if the
// handoff has not already done so and loads the session resident.
func (h *Hub) Materialize(ctx context.Context, body []byte) error {
	var ev models.SessionReadyEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode match.found: %v: %w", err, status.ErrValidation)
	}
	if ev.SessionID == "" || len(ev.Participants) == 0 {
		return fmt.Errorf("match.found without session or participants: %w", status.ErrValidation)
	}

	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	snap := &models.SessionSnapshot{
		SessionID:    ev.SessionID,
		MatchID:      ev.MatchID,
		Exercise:     ev.Exercise,
		Participants: ev.Participants,
		Code:         "",
		Chat:         []models.ChatMessage{},
		Language:     ev.Language,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	if snap.Language == "" {
		snap.Language = h.config.DefaultLanguage
	}
	if _, err := h.snapshots.CreateIfAbsent(ctx, snap); err != nil {
		return err
	}

	if _, err := h.load(ctx, ev.SessionID); err != nil {
		return err
	}
	slog.Info("session materialized", "session_id", ev.SessionID, "match_id", ev.MatchID)
	return nil
}

// NotifyEnded broadcasts session_ended to everyone but endedBy. A session
// that is durable but not resident has nobody to tell.
func (h *Hub) NotifyEnded(ctx context.Context, sessionID, endedBy string) (int, error) {
	if s := h.resident(sessionID); s != nil {
		n := s.notifyEnded(endedBy)
		slog.Info("session ended notice", "session_id", sessionID, "ended_by", endedBy, "notified", n)
		return n, nil
	}

	exists, err := h.snapshots.Exists(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("session %s: %w", sessionID, status.ErrNotFound)
	}
	return 0, nil
}

// ForceClose ends a resident session for everyone and evicts it. The snapshot
// stays in the store.
func (h *Hub) ForceClose(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("session %s is not active: %w", sessionID, status.ErrNotFound)
	}

	s.mu.Lock()
	payload, _ := json.Marshal(EndedFrame{Type: MsgSessionEnded, EndedBy: "admin", Message: "Session has been closed"})
	for c := range s.clients {
		c.enqueue(payload)
		c.close()
		delete(s.clients, c)
		monitoring.AddHubConnections(-1)
	}
	s.evicted = true
	snap := *s.snap
	delete(h.sessions, sessionID)
	monitoring.SetResidentSessions(len(h.sessions))
	s.mu.Unlock()
	h.mu.Unlock()

	if err := h.snapshots.Save(ctx, &snap); err != nil {
		return err
	}
	slog.Info("session force closed", "session_id", sessionID)
	return nil
}

// Save persists a resident session on demand and returns its state.
func (h *Hub) Save(ctx context.Context, sessionID string) (*SessionState, error) {
	s := h.resident(sessionID)
	if s == nil {
		return nil, fmt.Errorf("session %s is not active: %w", sessionID, status.ErrNotFound)
	}
	state, err := s.save(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("session saved", "session_id", sessionID)
	return &state, nil
}

func (h *Hub) List() []SessionInfo {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Detail describes a resident session, or a stored one with no live state.
func (h *Hub) Detail(ctx context.Context, sessionID string) (*SessionDetail, error) {
	if s := h.resident(sessionID); s != nil {
		return s.detail(), nil
	}

	snap, err := h.snapshots.Load(ctx, sessionID)
	if errors.Is(err, status.ErrNotReady) {
		return nil, fmt.Errorf("session %s: %w", sessionID, status.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	s := newSession(snap, h.snapshots)
	d := s.detail()
	d.Resident = false
	d.Stats.UptimeSeconds = 0
	d.Stats.LastActive = snap.UpdatedAt
	return d, nil
}

// Session returns the resident session, if any.
func (h *Hub) Session(sessionID string) (*Session, bool) {
	s := h.resident(sessionID)
	return s, s != nil
}

// EvictIdle evicts resident sessions nobody has been connected to for maxIdle,
// e.g. sessions materialized from match.found that nobody joined.
func (h *Hub) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	h.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range h.sessions {
		candidates = append(candidates, s)
	}
	h.mu.RUnlock()

	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for _, s := range candidates {
		last, conns := s.idleSince()
		if conns > 0 || last.After(cutoff) {
			continue
		}
		if h.evictIfIdle(ctx, s) {
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("evicted idle sessions", "count", evicted)
	}
	return evicted
}

// StartJanitor schedules EvictIdle every interval.
func (h *Hub) StartJanitor(interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			h.EvictIdle(context.Background(), h.config.SessionIdleEvict)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	h.scheduler = sched
	sched.Start()
	return nil
}

// Shutdown stops the janitor and saves every resident session.
func (h *Hub) Shutdown(ctx context.Context) {
	if h.scheduler != nil {
		if err := h.scheduler.Shutdown(); err != nil {
			slog.Warn("stop collab janitor", "error", err)
		}
	}

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		snap := s.snapshot()
		if err := h.snapshots.Save(ctx, &snap); err != nil {
			slog.Warn("persist session on shutdown", "session_id", snap.SessionID, "error", err)
		}
	}
}
