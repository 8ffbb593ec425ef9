// Package notify decides which user-facing notifications are shown and keeps
// the visible set with its read-state and auto-dismiss timers.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Type classifies a notification.
type Type string

const (
	TypeInfo        Type = "info"
	TypeSuccess     Type = "success"
	TypeWarning     Type = "warning"
	TypeError       Type = "error"
	TypeAchievement Type = "achievement"
	TypeSystem      Type = "system"
	TypeWelcome     Type = "welcome"
	TypeSave        Type = "save"
	TypeCompletion  Type = "completion"
)

// MaxKeyLength bounds dedupe keys.
const MaxKeyLength = 128

// DefaultSweepInterval is how often expired entries are dropped.
const DefaultSweepInterval = 30 * time.Second

// TypeConfig is the display policy for one notification type.
type TypeConfig struct {
	// Timeout is the window in which an identical notification is suppressed.
	Timeout time.Duration
	// OncePerSession shows each key at most once for the life of the Policy.
	OncePerSession bool
	// ThrottleCount shows only every Nth occurrence of a key within ThrottleWindow,
	// starting with the first.
	ThrottleCount  int
	ThrottleWindow time.Duration
	// MaxPerType caps how many notifications of the type are ever shown.
	MaxPerType int
}

// DefaultConfigs returns the standard per-type policy.
func DefaultConfigs() map[Type]TypeConfig {
	return map[Type]TypeConfig{
		TypeWelcome:     {Timeout: 5 * time.Second, OncePerSession: true},
		TypeAchievement: {Timeout: 5 * time.Second, OncePerSession: true},
		TypeCompletion:  {Timeout: 8 * time.Second, OncePerSession: true},
		TypeSave:        {Timeout: 2 * time.Second, ThrottleCount: 3, ThrottleWindow: time.Minute},
		TypeError:       {Timeout: 5 * time.Second, MaxPerType: 3},
		TypeInfo:        {Timeout: 3 * time.Second},
		TypeSuccess:     {Timeout: 3 * time.Second},
		TypeWarning:     {Timeout: 4 * time.Second},
		TypeSystem:      {Timeout: 3 * time.Second},
	}
}

var fallbackConfig = TypeConfig{Timeout: 3 * time.Second}

type entry struct {
	at      time.Time
	timeout time.Duration
}

type throttle struct {
	start time.Time
	count int
}

// Policy gatekeeps notifications. It is safe for concurrent use.
type Policy struct {
	mu            sync.Mutex
	clock         Clock
	configs       map[Type]TypeConfig
	sweepInterval time.Duration

	registry   map[string]entry
	session    map[string]bool
	throttles  map[string]*throttle
	typeCounts map[Type]int
	sweep      Timer
	disposed   bool
}

// NewPolicy creates a policy. A nil clock means the system clock; nil
// configs means DefaultConfigs.
func NewPolicy(clock Clock, configs map[Type]TypeConfig) *Policy {
	if clock == nil {
		clock = SystemClock()
	}
	if configs == nil {
		configs = DefaultConfigs()
	}
	return &Policy{
		clock:         clock,
		configs:       configs,
		sweepInterval: DefaultSweepInterval,
		registry:      make(map[string]entry),
		session:       make(map[string]bool),
		throttles:     make(map[string]*throttle),
		typeCounts:    make(map[Type]int),
	}
}

// ShouldShow reports whether a notification of type t with the given key and
// payload should be displayed, and records it if so.
func (p *Policy) ShouldShow(t Type, key string, data map[string]any) bool {
	k := Key(t, key, data)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return false
	}

	cfg, ok := p.configs[t]
	if !ok {
		cfg = fallbackConfig
	}
	now := p.clock.Now()

	if cfg.OncePerSession {
		if p.session[k] {
			return false
		}
		p.session[k] = true
		p.typeCounts[t]++
		return true
	}

	if cfg.MaxPerType > 0 && p.typeCounts[t] >= cfg.MaxPerType {
		return false
	}

	if cfg.ThrottleCount > 0 {
		th := p.throttles[k]
		if th == nil || now.Sub(th.start) >= cfg.ThrottleWindow {
			th = &throttle{start: now}
			p.throttles[k] = th
		}
		th.count++
		p.ensureSweep()
		if (th.count-1)%cfg.ThrottleCount != 0 {
			return false
		}
		p.typeCounts[t]++
		return true
	}

	if e, ok := p.registry[k]; ok && now.Before(e.at.Add(e.timeout)) {
		return false
	}
	p.registry[k] = entry{at: now, timeout: cfg.Timeout}
	p.typeCounts[t]++
	p.ensureSweep()
	return true
}

// Reset forgets all history, including once-per-session keys.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopSweep()
	p.registry = make(map[string]entry)
	p.session = make(map[string]bool)
	p.throttles = make(map[string]*throttle)
	p.typeCounts = make(map[Type]int)
}

// Dispose stops the sweep timer. A disposed policy suppresses everything.
func (p *Policy) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopSweep()
	p.disposed = true
}

// Pending is the number of live dedupe and throttle entries.
func (p *Policy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registry) + len(p.throttles)
}

// Sweeping reports whether the sweep timer is scheduled.
func (p *Policy) Sweeping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweep != nil
}

// ensureSweep must be called with p.mu held.
func (p *Policy) ensureSweep() {
	if p.sweep != nil || p.disposed {
		return
	}
	if len(p.registry) == 0 && len(p.throttles) == 0 {
		return
	}
	p.sweep = p.clock.AfterFunc(p.sweepInterval, p.runSweep)
}

func (p *Policy) stopSweep() {
	if p.sweep != nil {
		p.sweep.Stop()
		p.sweep = nil
	}
}

func (p *Policy) runSweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweep = nil
	if p.disposed {
		return
	}

	now := p.clock.Now()
	for k, e := range p.registry {
		if !now.Before(e.at.Add(e.timeout)) {
			delete(p.registry, k)
		}
	}
	for k, th := range p.throttles {
		if cfg, ok := p.throttleConfig(k); !ok || now.Sub(th.start) >= cfg.ThrottleWindow {
			delete(p.throttles, k)
		}
	}
	p.ensureSweep()
}

func (p *Policy) throttleConfig(k string) (TypeConfig, bool) {
	t, _, _ := strings.Cut(k, ":")
	cfg, ok := p.configs[Type(t)]
	return cfg, ok
}

// payloadFields are the only payload keys that contribute to a dedupe key.
var payloadFields = []string{"gameId", "id", "title"}

// Key builds the dedupe key for a notification: its type, the caller's key
// and the id, gameId and title payload fields in sorted order, truncated to
// MaxKeyLength bytes.
func Key(t Type, key string, data map[string]any) string {
	var sb strings.Builder
	sb.WriteString(string(t))
	sb.WriteString(":")
	sb.WriteString(key)

	fields := make([]string, 0, len(payloadFields))
	for _, f := range payloadFields {
		if v, ok := data[f]; ok && v != nil {
			fields = append(fields, fmt.Sprintf("%s=%v", f, v))
		}
	}
	sort.Strings(fields)
	for _, f := range fields {
		sb.WriteString("|")
		sb.WriteString(f)
	}
	return truncate(sb.String(), MaxKeyLength)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
