package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/pkg/narrative"
	"github.com/jwebster45206/adventure95/pkg/notify"
	"github.com/jwebster45206/adventure95/pkg/story"
)

var noticeConfigs = notify.DefaultConfigs()

func timeoutFor(t notify.Type) time.Duration {
	return noticeConfigs[t].Timeout
}

func itemNames(items []story.Item) []string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	return names
}

// notifier turns machine transitions into notifications.
type notifier struct {
	center *notify.Center

	mu     sync.Mutex
	gameID uuid.UUID
	seen   map[string]bool
}

func newNotifier(center *notify.Center) *notifier {
	return &notifier{center: center, seen: make(map[string]bool)}
}

func (n *notifier) observe(t narrative.Transition) {
	snap := t.Snapshot
	if t.To == narrative.StateError {
		n.notify(notify.TypeError, "Something went wrong", snap.Error, snap.Error, nil)
		return
	}
	if t.To != narrative.StatePlaying && t.To != narrative.StateCompleted {
		return
	}
	if snap.Game == nil {
		return
	}

	g := snap.Game
	data := map[string]any{"gameId": g.ID.String()}
	for _, name := range n.newItems(g.ID, itemNames(g.Items)) {
		n.notify(notify.TypeAchievement, "New item", name, name, data)
	}

	if t.From != narrative.StateLoading || !advanced(t.Event) {
		return
	}
	if t.To == narrative.StateCompleted {
		n.notify(notify.TypeCompletion, "The End",
			fmt.Sprintf("%s is complete after %d turns.", g.Title, g.TurnCount), "", data)
		return
	}
	n.notify(notify.TypeSave, "Progress saved", fmt.Sprintf("Turn %d of %d", g.TurnCount, g.TotalTurns), "", data)
}

// advanced reports whether ev can have produced a new turn. Loading a saved
// game cannot.
func advanced(ev narrative.Event) bool {
	switch ev.(type) {
	case narrative.SubmitChoice:
		return true
	}
	return false
}

// newItems reports item names not seen before in the same game. Switching
// games records the current items without announcing them.
func (n *notifier) newItems(gameID uuid.UUID, names []string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if gameID != n.gameID {
		n.gameID = gameID
		n.seen = make(map[string]bool, len(names))
		for _, name := range names {
			n.seen[name] = true
		}
		return nil
	}

	var fresh []string
	for _, name := range names {
		if !n.seen[name] {
			n.seen[name] = true
			fresh = append(fresh, name)
		}
	}
	return fresh
}

func (n *notifier) notify(t notify.Type, title, message, key string, data map[string]any) {
	n.center.Notify(notify.Notification{
		Type:    t,
		Title:   title,
		Message: message,
		Timeout: timeoutFor(t),
	}, key, data)
}
