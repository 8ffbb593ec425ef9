package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is a button offered by a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Notification is a transient user-facing event.
type Notification struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Type      Type          `json:"type"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Actions   []Action      `json:"actions,omitempty"`
	Timeout   time.Duration `json:"timeout"`
	Timestamp time.Time     `json:"timestamp"`
	Read      bool          `json:"read"`
}

// Center owns the visible notifications. It consults a Policy before showing
// anything and dismisses notifications with a Timeout automatically.
type Center struct {
	mu       sync.Mutex
	policy   *Policy
	clock    Clock
	items    []Notification
	timers   map[string]Timer
	read     map[string]bool
	onChange func([]Notification)
}

// NewCenter creates a Center. onChange, if set, is called with a snapshot
// after every change; it must not call back into the Center.
func NewCenter(policy *Policy, clock Clock, onChange func([]Notification)) *Center {
	if clock == nil {
		clock = SystemClock()
	}
	if policy == nil {
		policy = NewPolicy(clock, nil)
	}
	return &Center{
		policy:   policy,
		clock:    clock,
		timers:   make(map[string]Timer),
		read:     make(map[string]bool),
		onChange: onChange,
	}
}

// Notify shows n unless the policy suppresses it. key and data feed the
// dedupe key. It returns the assigned id and whether n is now visible.
func (c *Center) Notify(n Notification, key string, data map[string]any) (string, bool) {
	if !c.policy.ShouldShow(n.Type, key, data) {
		return "", false
	}

	c.mu.Lock()
	n.ID = uuid.NewString()
	n.Key = Key(n.Type, key, data)
	n.Timestamp = c.clock.Now()
	n.Read = c.read[n.Key]
	c.items = append(c.items, n)
	if n.Timeout > 0 {
		id := n.ID
		c.timers[id] = c.clock.AfterFunc(n.Timeout, func() { c.Dismiss(id) })
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.changed(snap)
	return n.ID, true
}

// Dismiss removes a notification and cancels its timer.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	idx := c.indexLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.stopTimerLocked(id)
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.changed(snap)
	return true
}

// MarkRead flags a notification as read. Read-state survives dismissal.
func (c *Center) MarkRead(id string) bool {
	c.mu.Lock()
	idx := c.indexLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.items[idx].Read = true
	c.read[c.items[idx].Key] = true
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.changed(snap)
	return true
}

// Items returns a copy of the visible notifications, oldest first.
func (c *Center) Items() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Unread counts visible notifications that have not been read.
func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// ReadKeys returns the dedupe keys marked read, for persistence.
func (c *Center) ReadKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.read))
	for k := range c.read {
		keys = append(keys, k)
	}
	return keys
}

// LoadReadKeys restores read-state saved by ReadKeys.
func (c *Center) LoadReadKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.read[k] = true
	}
}

// Clear removes every notification and cancels all auto-dismiss timers.
func (c *Center) Clear() {
	c.mu.Lock()
	for id := range c.timers {
		c.stopTimerLocked(id)
	}
	c.items = nil
	c.mu.Unlock()

	c.changed(nil)
}

// Close clears the center and disposes its policy.
func (c *Center) Close() {
	c.Clear()
	c.policy.Dispose()
}

// PendingTimers is the number of scheduled auto-dismiss timers.
func (c *Center) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Center) indexLocked(id string) int {
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Center) stopTimerLocked(id string) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Center) snapshotLocked() []Notification {
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Center) changed(snap []Notification) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}
