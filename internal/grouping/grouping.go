// Package grouping aggregates near-duplicate notifications within a
// time window into a single delivery unit.
package grouping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/timerq"
)

// Operator names for rule conditions.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpContains = "contains"
	OpGt       = "gt"
	OpLt       = "lt"
)

// Condition is one field predicate of a rule.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// matches evaluates the condition against a notification field.
func (c Condition) matches(n *notification.Notification) bool {
	got := n.Field(c.Field)
	switch c.Operator {
	case OpEq:
		return got == c.Value
	case OpNeq:
		return got != c.Value
	case OpContains:
		return strings.Contains(got, c.Value)
	case OpGt, OpLt:
		gv, err1 := strconv.ParseFloat(got, 64)
		wv, err2 := strconv.ParseFloat(c.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if c.Operator == OpGt {
			return gv > wv
		}
		return gv < wv
	default:
		return false
	}
}

// Aggregation controls how a closed group is collapsed.
type Aggregation struct {
	// Strategy currently supports "count": the flushed unit is a
	// single summary notification carrying the member count.
	Strategy string `json:"strategy"`

	// TimeWindow is how long a group stays open after its first
	// member before it is closed regardless of size.
	TimeWindow time.Duration `json:"time_window"`
}

// Rule matches notifications and assigns them to keyed groups.
type Rule struct {
	ID          string      `json:"id"`
	Conditions  []Condition `json:"conditions"`
	GroupBy     []string    `json:"group_by"`
	Aggregation Aggregation `json:"aggregation"`
	Priority    int         `json:"priority"`
	MaxSize     int         `json:"max_size"`
	Enabled     bool        `json:"enabled"`
}

// matches reports whether every condition holds.
func (r *Rule) matches(n *notification.Notification) bool {
	for _, c := range r.Conditions {
		if !c.matches(n) {
			return false
		}
	}
	return true
}

// key derives the group key from the rule's groupBy fields.
func (r *Rule) key(n *notification.Notification) string {
	parts := make([]string, 0, len(r.GroupBy))
	for _, f := range r.GroupBy {
		parts = append(parts, n.Field(f))
	}
	return strings.Join(parts, "|")
}

// group is one open aggregation batch for a (rule, key) pair.
type group struct {
	id      uuid.UUID
	ruleID  string
	key     string
	members []*notification.Notification
	opened  time.Time
}

// Result is what ProcessNotification reports back to the intake path.
type Result struct {
	Grouped bool
	GroupID uuid.UUID
	RuleID  string
}

// FlushFunc receives the aggregated delivery unit when a group closes,
// together with the members it stands for.
type FlushFunc func(aggregate *notification.Notification, members []*notification.Notification)

// Stats is a snapshot of engine state.
type Stats struct {
	Rules      int `json:"rules"`
	OpenGroups int `json:"open_groups"`
	Flushed    int `json:"flushed_groups"`
}

// Engine evaluates rules and maintains open groups. Group state is
// mutated only under the engine lock; window closes arrive via the
// shared timer runner.
type Engine struct {
	mu      sync.Mutex
	rules   []*Rule
	groups  map[string]*group // keyed by ruleID + "\x00" + group key
	flushed int
	flush   FlushFunc
	timers  *timerq.Runner
	logger  *zap.Logger
}

// DefaultMaxSize bounds group membership when a rule does not set one.
const DefaultMaxSize = 100

// NewEngine creates an Engine that hands closed groups to flush.
func NewEngine(timers *timerq.Runner, flush FlushFunc, logger *zap.Logger) *Engine {
	return &Engine{
		groups: make(map[string]*group),
		flush:  flush,
		timers: timers,
		logger: logger,
	}
}

// AddRule registers a rule. Rules are evaluated in descending
// priority; the first full match wins.
func (e *Engine) AddRule(r *Rule) {
	if r.MaxSize <= 0 {
		r.MaxSize = DefaultMaxSize
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
	e.logger.Info("grouping rule added",
		zap.String("rule_id", r.ID),
		zap.Int("priority", r.Priority),
		zap.Duration("window", r.Aggregation.TimeWindow),
	)
}

// ProcessNotification admits n to a group when an enabled rule
// matches; otherwise it reports not grouped and the caller passes the
// notification through individually. Reaching a rule's max size
// closes the group at once and reopens a fresh one under the same key
// for subsequent members, so no accepted notification is ever lost.
func (e *Engine) ProcessNotification(n *notification.Notification) Result {
	e.mu.Lock()

	var rule *Rule
	for _, r := range e.rules {
		if r.Enabled && r.matches(n) {
			rule = r
			break
		}
	}
	if rule == nil {
		e.mu.Unlock()
		return Result{}
	}

	key := rule.ID + "\x00" + rule.key(n)
	g, ok := e.groups[key]
	if !ok {
		g = &group{id: uuid.New(), ruleID: rule.ID, key: key, opened: time.Now()}
		e.groups[key] = g
		e.timers.Schedule(windowKey(g.id), g.opened.Add(rule.Aggregation.TimeWindow), func() {
			e.closeByWindow(key, g.id)
		})
	}
	g.members = append(g.members, n)
	res := Result{Grouped: true, GroupID: g.id, RuleID: rule.ID}

	var closed *group
	if len(g.members) >= rule.MaxSize {
		closed = e.detach(key, g)
	}
	e.mu.Unlock()

	if closed != nil {
		e.emit(rule, closed)
	}
	return res
}

func windowKey(id uuid.UUID) string { return "group-window:" + id.String() }

// closeByWindow flushes the group when its time window elapses, if it
// is still the same open group (a size close may have replaced it).
func (e *Engine) closeByWindow(key string, id uuid.UUID) {
	e.mu.Lock()
	g, ok := e.groups[key]
	if !ok || g.id != id {
		e.mu.Unlock()
		return
	}
	rule := e.ruleByID(g.ruleID)
	delete(e.groups, key)
	e.mu.Unlock()

	if rule != nil {
		e.emit(rule, g)
	}
}

// detach removes the group and disarms its window timer (lock held).
func (e *Engine) detach(key string, g *group) *group {
	delete(e.groups, key)
	e.timers.Cancel(windowKey(g.id))
	return g
}

func (e *Engine) ruleByID(id string) *Rule {
	for _, r := range e.rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// emit builds the aggregate delivery unit and hands it to the sink.
func (e *Engine) emit(rule *Rule, g *group) {
	if len(g.members) == 0 {
		return
	}
	e.mu.Lock()
	e.flushed++
	e.mu.Unlock()

	first := g.members[0]
	agg := &notification.Notification{
		ID:        uuid.New(),
		UserID:    first.UserID,
		Type:      first.Type,
		Title:     first.Title,
		Message:   first.Message,
		Priority:  first.Priority,
		Channels:  first.Channels,
		Status:    notification.StatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata: map[string]string{
			"group_id":    g.id.String(),
			"group_rule":  rule.ID,
			"group_count": strconv.Itoa(len(g.members)),
		},
	}
	if len(g.members) > 1 && rule.Aggregation.Strategy == "count" {
		agg.Title = fmt.Sprintf("%s (%d)", first.Title, len(g.members))
		agg.Message = fmt.Sprintf("%d similar notifications", len(g.members))
	}

	e.logger.Debug("group flushed",
		zap.String("group_id", g.id.String()),
		zap.String("rule_id", rule.ID),
		zap.Int("members", len(g.members)),
	)
	e.flush(agg, g.members)
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Rules: len(e.rules), OpenGroups: len(e.groups), Flushed: e.flushed}
}
