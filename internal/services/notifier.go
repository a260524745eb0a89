package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pubnub "github.com/pubnub/go"
)

const (
	NotifyMatchFound     = "match_found"
	NotifyMatchTimeout   = "match_timeout"
	NotifyMatchDeclined  = "match_declined"
	NotifyMatchExpired   = "match_expired"
	NotifyMatchCancelled = "match_cancelled"
	NotifySessionReady   = "session_ready"
)

// Notifier pushes out-of-band events to a single user.
type Notifier interface {
	Notify(ctx context.Context, userID string, message map[string]any) error
}

// PubNubNotifier publishes to the per-user channel "user-{id}".
type PubNubNotifier struct {
	pubnub *pubnub.PubNub
}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pubnub: pn}
}

func UserChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

func (n *PubNubNotifier) Notify(ctx context.Context, userID string, message map[string]any) error {
	_, _, err := n.pubnub.Publish().
		Channel(UserChannel(userID)).
		Message(message).
		Execute()
	if err != nil {
		slog.Warn("pubnub publish failed", "user_id", userID, "type", message["type"], "error", err)
		return err
	}
	return nil
}

// RecordingNotifier keeps every message in memory. Used when no PubNub keys are configured.
type RecordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]map[string]any
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{messages: make(map[string][]map[string]any)}
}

func (n *RecordingNotifier) Notify(ctx context.Context, userID string, message map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[userID] = append(n.messages[userID], message)
	slog.Debug("notification", "user_id", userID, "type", message["type"])
	return nil
}

// Types returns the message types sent to userID in order.
func (n *RecordingNotifier) Types(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.messages[userID]))
	for _, m := range n.messages[userID] {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

func (n *RecordingNotifier) Last(userID string) map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	msgs := n.messages[userID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}
