package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"peerprep/internal/status"
	"peerprep/internal/store"
	"peerprep/models"
	"peerprep/monitoring"
)

var errEvicted = errors.New("collab: session evicted")

// Session is the resident form of one collaboration session. Every mutation and
// every fan-out happens under mu, so all connections observe the same order.
type Session struct {
	id        string
	snapshots *store.SnapshotStore

	mu         sync.Mutex
	snap       *models.SessionSnapshot
	locks      map[int]string
	cursors    map[string]json.RawMessage
	clients    map[*Client]struct{}
	evicted    bool
	loadedAt   time.Time
	lastActive time.Time
}

type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	Participants  []string  `json:"participants"`
	Connected     []string  `json:"connected_users"`
	Connections   int       `json:"connections"`
	Language      string    `json:"language"`
	CodeLength    int       `json:"code_length"`
	NotesLength   int       `json:"notes_length"`
	LineCount     int       `json:"line_count"`
	ChatMessages  int       `json:"chat_messages"`
	LockedLines   int       `json:"locked_lines"`
	LastActive    time.Time `json:"last_active"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

type SessionDetail struct {
	Resident bool         `json:"resident"`
	State    SessionState `json:"state"`
	Stats    SessionInfo  `json:"stats"`
}

func newSession(snap *models.SessionSnapshot, snapshots *store.SnapshotStore) *Session {
	now := time.Now()
	if snap.Chat == nil {
		snap.Chat = []models.ChatMessage{}
	}
	return &Session{
		id:         snap.SessionID,
		snapshots:  snapshots,
		snap:       snap,
		locks:      make(map[int]string),
		cursors:    make(map[string]json.RawMessage),
		clients:    make(map[*Client]struct{}),
		loadedAt:   now,
		lastActive: now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) join(c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return errEvicted
	}
	if !s.snap.HasParticipant(c.UserID) {
		return fmt.Errorf("user %s is not a participant of session %s: %w", c.UserID, s.id, status.ErrForbidden)
	}

	s.clients[c] = struct{}{}
	s.lastActive = time.Now()
	monitoring.AddHubConnections(1)

	s.sendLocked(c, s.stateLocked())
	s.broadcastLocked(s.presenceLocked(MsgUserJoined, c.UserID), c)

	slog.Info("user joined session", "session_id", s.id, "user_id", c.UserID, "client_id", c.ID)
	return nil
}

// leave reports whether c was still registered.
func (s *Session) leave(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(c, "left")
}

func (s *Session) removeLocked(c *Client, reason string) bool {
	if _, ok := s.clients[c]; !ok {
		return false
	}
	delete(s.clients, c)
	c.close()
	s.lastActive = time.Now()
	monitoring.AddHubConnections(-1)

	// locks and cursor belong to the user, not the connection
	released := false
	if !s.userConnectedLocked(c.UserID) {
		delete(s.cursors, c.UserID)
		for line, holder := range s.locks {
			if holder == c.UserID {
				delete(s.locks, line)
				released = true
			}
		}
	}

	slog.Info("user left session", "session_id", s.id, "user_id", c.UserID, "client_id", c.ID, "reason", reason)

	s.broadcastLocked(s.presenceLocked(MsgUserLeft, c.UserID), nil)
	if released {
		s.broadcastLocked(s.lockUpdateLocked(), nil)
	}
	return true
}

func (s *Session) userConnectedLocked(userID string) bool {
	for c := range s.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Session) memberLocked(c *Client) bool {
	_, ok := s.clients[c]
	return ok
}

// broadcastLocked fans payload out to every client but exclude. A client whose
// buffer is full is dropped, which counts as it leaving.
func (s *Session) broadcastLocked(v any, exclude *Client) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode frame", "session_id", s.id, "error", err)
		return
	}

	var dropped []*Client
	for c := range s.clients {
		if c == exclude {
			continue
		}
		if !c.enqueue(payload) {
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		s.removeLocked(c, "send buffer full")
	}
}

func (s *Session) sendLocked(c *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode frame", "session_id", s.id, "error", err)
		return
	}
	if !c.enqueue(payload) {
		s.removeLocked(c, "send buffer full")
	}
}

func (s *Session) reply(c *Client, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberLocked(c) {
		s.sendLocked(c, v)
	}
}

// commitLocked persists next and only then makes it the resident state, so
// memory never runs ahead of the shared store.
func (s *Session) commitLocked(ctx context.Context, next models.SessionSnapshot) error {
	next.UpdatedAt = time.Now().UTC()
	if err := s.snapshots.Save(ctx, &next); err != nil {
		return err
	}
	s.snap = &next
	s.lastActive = time.Now()
	return nil
}

func (s *Session) updateCode(ctx context.Context, c *Client, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memberLocked(c) {
		return nil
	}

	if line, holder, ok := s.lockedLineChangedLocked(c.UserID, code); ok {
		return fmt.Errorf("line %d held by %s: %w", line, holder, status.ErrLineLocked)
	}

	next := *s.snap
	next.Code = code
	if err := s.commitLocked(ctx, next); err != nil {
		return err
	}
	s.broadcastLocked(CodeUpdate{Type: MsgCodeUpdate, UserID: c.UserID, Code: code}, c)
	return nil
}

func (s *Session) updateLine(ctx context.Context, c *Client, lineNumber int, content string) error {
	if lineNumber < 1 {
		return fmt.Errorf("line_number must be at least 1, got %d: %w", lineNumber, status.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memberLocked(c) {
		return nil
	}
	if holder, ok := s.locks[lineNumber]; ok && holder != c.UserID {
		return fmt.Errorf("line %d held by %s: %w", lineNumber, holder, status.ErrLineLocked)
	}

	next := *s.snap
	next.Code = SetLine(s.snap.Code, lineNumber, content)
	if err := s.commitLocked(ctx, next); err != nil {
		return err
	}
	s.broadcastLocked(LineUpdate{Type: MsgLineUpdate, UserID: c.UserID, LineNumber: lineNumber, Content: content}, c)
	return nil
}

// lockedLineChangedLocked finds the first line locked by someone other than
// userID whose content differs in code.
func (s *Session) lockedLineChangedLocked(userID, code string) (int, string, bool) {
	current := strings.Split(s.snap.Code, "\n")
	proposed := strings.Split(code, "\n")
	lineAt := func(lines []string, n int) (string, bool) {
		if n > len(lines) {
			return "", false
		}
		return lines[n-1], true
	}

	for _, line := range slices.Sorted(maps.Keys(s.locks)) {
		holder := s.locks[line]
		if holder == userID {
			continue
		}
		before, hadBefore := lineAt(current, line)
		after, hasAfter := lineAt(proposed, line)
		if before != after || hadBefore != hasAfter {
			return line, holder, true
		}
	}
	return 0, "", false
}

// SetLine replaces the 1-indexed line of code, padding with blank lines when
// the document is shorter.
func SetLine(code string, lineNumber int, content string) string {
	lines := strings.Split(code, "\n")
	for len(lines) < lineNumber {
		lines = append(lines, "")
	}
	lines[lineNumber-1] = content
	return strings.Join(lines, "\n")
}

func (s *Session) requestLineLock(c *Client, lineNumber int, action string) error {
	if lineNumber < 1 {
		return fmt.Errorf("line_number must be at least 1, got %d: %w", lineNumber, status.ErrValidation)
	}
	if action != LockActionLock && action != LockActionUnlock {
		return fmt.Errorf("action %q must be lock or unlock: %w", action, status.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memberLocked(c) {
		return nil
	}
	s.lastActive = time.Now()

	holder, held := s.locks[lineNumber]
	switch action {
	case LockActionLock:
		if held && holder != c.UserID {
			s.sendLocked(c, LockDenied{Type: MsgLineLockDenied, LineNumber: lineNumber, LockedBy: holder})
			return nil
		}
		if held {
			return nil
		}
		s.locks[lineNumber] = c.UserID
	case LockActionUnlock:
		if !held || holder != c.UserID {
			return nil
		}
		delete(s.locks, lineNumber)
	}

	s.broadcastLocked(s.lockUpdateLocked(), nil)
	return nil
}

func (s *Session) moveCursor(c *Client, cursor json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memberLocked(c) {
		return
	}

	s.cursors[c.UserID] = cursor
	s.lastActive = time.Now()
	s.broadcastLocked(CursorMove{Type: MsgCursorMove, UserID: c.UserID, Cursor: cursor}, c)
}

func (s *Session) chat(ctx context.Context, c *Client, message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("chat message is empty: %w", status.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memberLocked(c) {
		return nil
	}

	msg := models.ChatMessage{UserID: c.UserID, Message: message, Timestamp: time.Now().UTC()}
	next := *s.snap
	next.Chat = append(slices.Clone(s.snap.Chat), msg)
	if err := s.commitLocked(ctx, next); err != nil {
		return err
	}
	s.broadcastLocked(ChatFrame{Type: MsgChatMessage, ChatMessage: msg}, nil)
	return nil
}

func (s *Session) changeLanguage(ctx context.Context, c *Client, language string) error {
	language = strings.TrimSpace(language)
	if language == "" {
		return fmt.Errorf("language is required: %w", status.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memberLocked(c) {
		return nil
	}

	next := *s.snap
	next.Language = language
	if err := s.commitLocked(ctx, next); err != nil {
		return err
	}
	s.broadcastLocked(LanguageFrame{Type: MsgLanguageChange, UserID: c.UserID, Language: language}, nil)
	return nil
}

func (s *Session) updateNotes(ctx context.Context, c *Client, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memberLocked(c) {
		return nil
	}

	next := *s.snap
	next.Notes = notes
	if err := s.commitLocked(ctx, next); err != nil {
		return err
	}
	s.broadcastLocked(NotesUpdate{Type: MsgNotesUpdate, UserID: c.UserID, Notes: notes, Timestamp: time.Now().UTC()}, c)
	return nil
}

// save writes the resident state again and refreshes its TTL.
func (s *Session) save(ctx context.Context) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(ctx, *s.snap); err != nil {
		return SessionState{}, err
	}
	return s.stateLocked(), nil
}

func (s *Session) sendState(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberLocked(c) {
		s.sendLocked(c, s.stateLocked())
	}
}

// notifyEnded tells everyone except endedBy's connections that the session is
// over. State is left alone.
func (s *Session) notifyEnded(endedBy string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(EndedFrame{Type: MsgSessionEnded, EndedBy: endedBy, Message: "Your partner ended the session"})
	if err != nil {
		return 0
	}

	notified := 0
	var dropped []*Client
	for c := range s.clients {
		if c.UserID == endedBy {
			continue
		}
		if c.enqueue(payload) {
			notified++
		} else {
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		s.removeLocked(c, "send buffer full")
	}
	return notified
}

func (s *Session) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Session) idleSince() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive, len(s.clients)
}

func (s *Session) snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.snap
}

func (s *Session) Locks() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.locks)
}

func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Code
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) detail() *SessionDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SessionDetail{Resident: true, State: s.stateLocked(), Stats: s.infoLocked()}
}

func (s *Session) infoLocked() SessionInfo {
	return SessionInfo{
		SessionID:     s.id,
		Participants:  s.snap.Participants,
		Connected:     s.connectedLocked(),
		Connections:   len(s.clients),
		Language:      s.snap.Language,
		CodeLength:    len(s.snap.Code),
		NotesLength:   len(s.snap.Notes),
		LineCount:     strings.Count(s.snap.Code, "\n") + 1,
		ChatMessages:  len(s.snap.Chat),
		LockedLines:   len(s.locks),
		LastActive:    s.lastActive,
		UptimeSeconds: time.Since(s.loadedAt).Seconds(),
	}
}

func (s *Session) connectedLocked() []string {
	seen := make(map[string]struct{}, len(s.clients))
	for c := range s.clients {
		seen[c.UserID] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

func (s *Session) stateLocked() SessionState {
	return SessionState{
		Type:         MsgSessionState,
		SessionID:    s.id,
		Exercise:     s.snap.Exercise,
		Participants: s.snap.Participants,
		Connected:    s.connectedLocked(),
		Code:         s.snap.Code,
		Notes:        s.snap.Notes,
		Language:     s.snap.Language,
		Chat:         s.snap.Chat,
		Locks:        maps.Clone(s.locks),
		Cursors:      maps.Clone(s.cursors),
	}
}

func (s *Session) presenceLocked(kind, userID string) PresenceFrame {
	return PresenceFrame{Type: kind, UserID: userID, Connected: s.connectedLocked(), Timestamp: time.Now().UTC()}
}

func (s *Session) lockUpdateLocked() LockUpdate {
	return LockUpdate{Type: MsgLineLockUpdate, Locks: maps.Clone(s.locks)}
}
