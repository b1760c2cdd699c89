// Package buffer groups short consecutive messages from one user into a
// single logical message before it is handed to the assistant.
package buffer

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/pkg/logger"
	"github.com/line-relay/backend/pkg/utils"
)

type Trigger string

const (
	TriggerLength   Trigger = "length"
	TriggerCapacity Trigger = "capacity"
	TriggerTimeout  Trigger = "timeout"
	TriggerOverflow Trigger = "overflow"
	TriggerForced   Trigger = "forced"
)

const separator = "\n"

type Config struct {
	// Timeout is measured from the first fragment of a group and is never extended.
	Timeout time.Duration
	// MaxFragments flushes once a group holds this many fragments. Zero disables it.
	MaxFragments int
	// MinLength flushes immediately when a single fragment is at least this many characters. Zero disables it.
	MinLength int
	// MaxCJKChars flushes the pending group before it would exceed this many Han characters. Zero disables it.
	MaxCJKChars int
}

// Flush is one logical message produced from a group of fragments.
type Flush struct {
	ID         string
	UserID     string
	Text       string
	ReplyToken string
	Fragments  int
	Trigger    Trigger
	FirstAt    time.Time
	FlushedAt  time.Time
}

// FlushFunc receives every flush. It runs under the user's lock and must not block.
type FlushFunc func(Flush)

type Outcome int

const (
	Buffered Outcome = iota
	Flushed
)

func (o Outcome) String() string {
	if o == Flushed {
		return "flushed"
	}
	return "buffered"
}

// Decision describes what Submit did with a fragment. Flush is set when
// Outcome is Flushed; Pending counts the fragments still waiting afterwards.
type Decision struct {
	Outcome Outcome
	Flush   *Flush
	Pending int
}

type Status struct {
	Pending  int
	Chars    int
	FirstAt  time.Time
	HasTimer bool
}

type Stats struct {
	ActiveGroups int
	Submitted    int64
	Flushes      map[Trigger]int64
}

type group struct {
	fragments  []string
	replyToken string
	firstAt    time.Time
	chars      int
	cjk        int
	timer      Timer
}

type slot struct {
	mu    sync.Mutex
	group *group
}

type Buffer struct {
	cfg   Config
	sched Scheduler
	sink  FlushFunc
	now   func() time.Time

	mu    sync.Mutex
	slots map[string]*slot

	statsMu   sync.Mutex
	active    int
	submitted int64
	flushes   map[Trigger]int64
}

func New(cfg Config, sched Scheduler, sink FlushFunc) *Buffer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if sched == nil {
		sched = SystemScheduler{}
	}

	return &Buffer{
		cfg:     cfg,
		sched:   sched,
		sink:    sink,
		now:     time.Now,
		slots:   make(map[string]*slot),
		flushes: make(map[Trigger]int64),
	}
}

// slot returns the per-user lock holder. Slots are never removed so that
// every caller for a user contends on the same mutex.
func (b *Buffer) slot(userID string) *slot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[userID]
	if !ok {
		s = &slot{}
		b.slots[userID] = s
	}
	return s
}

// Submit appends a fragment to the user's pending group and flushes it when
// a trigger fires. Flushes are delivered to the sink and also returned.
func (b *Buffer) Submit(userID, fragment, replyToken string, at time.Time) Decision {
	s := b.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	b.statsMu.Lock()
	b.submitted++
	b.statsMu.Unlock()
	metrics.BufferFragments.Inc()

	if at.IsZero() {
		at = b.now()
	}
	length := utf8.RuneCountInString(fragment)
	cjk := utils.CountCJK(fragment)
	isLong := b.cfg.MinLength > 0 && length >= b.cfg.MinLength

	var decision Decision

	if g := s.group; g != nil && !isLong && b.cfg.MaxCJKChars > 0 && g.cjk+cjk > b.cfg.MaxCJKChars {
		f := b.take(userID, s, TriggerOverflow)
		decision = Decision{Outcome: Flushed, Flush: &f}
	}

	g := s.group
	if g == nil {
		g = &group{firstAt: at}
		s.group = g
		b.adjustActive(1)
	}

	g.fragments = append(g.fragments, fragment)
	g.chars += length
	g.cjk += cjk
	if replyToken != "" {
		g.replyToken = replyToken
	}

	switch {
	case isLong:
		f := b.take(userID, s, TriggerLength)
		return Decision{Outcome: Flushed, Flush: &f}
	case b.cfg.MaxFragments > 0 && len(g.fragments) >= b.cfg.MaxFragments:
		f := b.take(userID, s, TriggerCapacity)
		return Decision{Outcome: Flushed, Flush: &f}
	}

	if g.timer == nil {
		g.timer = b.sched.AfterFunc(b.cfg.Timeout, func() {
			b.expire(userID, s, g)
		})
	}

	decision.Pending = len(g.fragments)
	return decision
}

// expire is the timer callback. A group already flushed by another trigger
// is no longer attached to the slot, so it is ignored.
func (b *Buffer) expire(userID string, s *slot, g *group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group != g {
		return
	}
	b.take(userID, s, TriggerTimeout)
}

// take detaches the slot's group, emits it and returns the flush. Caller holds s.mu.
func (b *Buffer) take(userID string, s *slot, trigger Trigger) Flush {
	g := s.group
	s.group = nil

	if g.timer != nil {
		g.timer.Stop()
	}

	f := Flush{
		ID:         uuid.NewString(),
		UserID:     userID,
		Text:       strings.Join(g.fragments, separator),
		ReplyToken: g.replyToken,
		Fragments:  len(g.fragments),
		Trigger:    trigger,
		FirstAt:    g.firstAt,
		FlushedAt:  b.now(),
	}

	b.statsMu.Lock()
	b.flushes[trigger]++
	b.statsMu.Unlock()
	b.adjustActive(-1)
	metrics.BufferFlushes.WithLabelValues(string(trigger)).Inc()

	logger.Debug("Buffer flushed",
		zap.String("user_id", userID),
		zap.String("trigger", string(trigger)),
		zap.Int("fragments", f.Fragments),
		zap.Duration("age", f.FlushedAt.Sub(f.FirstAt)),
	)

	if b.sink != nil {
		b.sink(f)
	}
	return f
}

func (b *Buffer) adjustActive(delta int) {
	b.statsMu.Lock()
	b.active += delta
	active := b.active
	b.statsMu.Unlock()
	metrics.ActiveBuffers.Set(float64(active))
}

// ForceFlush flushes the user's pending group now, if there is one.
func (b *Buffer) ForceFlush(userID string) (Flush, bool) {
	s := b.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group == nil {
		return Flush{}, false
	}
	return b.take(userID, s, TriggerForced), true
}

// FlushAll force-flushes every pending group and returns how many were flushed.
func (b *Buffer) FlushAll() int {
	b.mu.Lock()
	users := make([]string, 0, len(b.slots))
	for userID := range b.slots {
		users = append(users, userID)
	}
	b.mu.Unlock()

	n := 0
	for _, userID := range users {
		if _, ok := b.ForceFlush(userID); ok {
			n++
		}
	}
	return n
}

// Clear drops the user's pending fragments without flushing them.
func (b *Buffer) Clear(userID string) bool {
	s := b.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group
	if g == nil {
		return false
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	s.group = nil
	b.adjustActive(-1)
	return true
}

func (b *Buffer) Status(userID string) Status {
	s := b.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group
	if g == nil {
		return Status{}
	}
	return Status{
		Pending:  len(g.fragments),
		Chars:    g.chars,
		FirstAt:  g.firstAt,
		HasTimer: g.timer != nil,
	}
}

func (b *Buffer) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	flushes := make(map[Trigger]int64, len(b.flushes))
	for k, v := range b.flushes {
		flushes[k] = v
	}
	return Stats{
		ActiveGroups: b.active,
		Submitted:    b.submitted,
		Flushes:      flushes,
	}
}
