package collab

import (
	"encoding/json"
	"time"

	"peerprep/internal/status"
	"peerprep/models"
)

// Inbound frame types.
const (
	MsgCodeUpdate      = "code_update"
	MsgLineUpdate      = "line_update"
	MsgRequestLineLock = "request_line_lock"
	MsgCursorMove      = "cursor_move"
	MsgChatMessage     = "chat_message"
	MsgLanguageChange  = "language_change"
	MsgNotesUpdate     = "notes_update"
	MsgRequestState    = "request_state"
)

// Outbound frame types.
const (
	MsgSessionState   = "session_state"
	MsgLineLockUpdate = "line_lock_update"
	MsgLineLockDenied = "line_lock_denied"
	MsgUserJoined     = "user_joined"
	MsgUserLeft       = "user_left"
	MsgSessionEnded   = "session_ended"
	MsgError          = "error"
)

const (
	LockActionLock   = "lock"
	LockActionUnlock = "unlock"
)

// Inbound is every field a client may send; which ones apply depends on Type.
type Inbound struct {
	Type       string          `json:"type"`
	Code       *string         `json:"code,omitempty"`
	LineNumber int             `json:"line_number,omitempty"`
	Content    string          `json:"content,omitempty"`
	Action     string          `json:"action,omitempty"`
	Message    string          `json:"message,omitempty"`
	Language   string          `json:"language,omitempty"`
	Notes      *string         `json:"notes,omitempty"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
}

type SessionState struct {
	Type         string                     `json:"type"`
	SessionID    string                     `json:"session_id"`
	Exercise     *models.Exercise           `json:"exercise,omitempty"`
	Participants []string                   `json:"participants"`
	Connected    []string                   `json:"connected_users"`
	Code         string                     `json:"code"`
	Notes        string                     `json:"notes"`
	Language     string                     `json:"language"`
	Chat         []models.ChatMessage       `json:"chat"`
	Locks        map[int]string             `json:"locks"`
	Cursors      map[string]json.RawMessage `json:"cursors"`
}

type LineUpdate struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	LineNumber int    `json:"line_number"`
	Content    string `json:"content"`
}

type CodeUpdate struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

type NotesUpdate struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Notes     string    `json:"notes"`
	Timestamp time.Time `json:"timestamp"`
}

type LockUpdate struct {
	Type  string         `json:"type"`
	Locks map[int]string `json:"locks"`
}

type LockDenied struct {
	Type       string `json:"type"`
	LineNumber int    `json:"line_number"`
	LockedBy   string `json:"locked_by"`
}

type CursorMove struct {
	Type   string          `json:"type"`
	UserID string          `json:"user_id"`
	Cursor json.RawMessage `json:"cursor"`
}

type ChatFrame struct {
	Type string `json:"type"`
	models.ChatMessage
}

type LanguageFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Language string `json:"language"`
}

type PresenceFrame struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Connected []string  `json:"connected_users"`
	Timestamp time.Time `json:"timestamp"`
}

type EndedFrame struct {
	Type    string `json:"type"`
	EndedBy string `json:"ended_by"`
	Message string `json:"message"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorFrame(err error) ErrorFrame {
	return ErrorFrame{Type: MsgError, Code: status.Code(err), Message: err.Error()}
}
