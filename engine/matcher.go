package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arturoeanton/nflow-automate/model"
)

const DefaultFreshnessWindow = 2 * time.Second

// TriggerMatchFunc decides whether event satisfies the trigger config of w.
type TriggerMatchFunc func(w *model.Workflow, cfg model.TriggerConfig, event model.Event) bool

// StaleEventError reports an event older than the freshness window. It is
// expected under redelivery and logged at debug level only.
type StaleEventError struct {
	EventID string
	Age     time.Duration
	Window  time.Duration
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("event %q is stale: age %s exceeds %s", e.EventID, e.Age, e.Window)
}

// Matcher selects the workflows whose trigger subscribes to an event. Rules
// are looked up by trigger connector type.
type Matcher struct {
	mu     sync.RWMutex
	rules  map[model.ConnectorType]TriggerMatchFunc
	window time.Duration
	now    func() time.Time
}

// NewMatcher returns a matcher with the built-in Slack and Drive rules.
func NewMatcher(window time.Duration) *Matcher {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	m := &Matcher{
		rules:  make(map[model.ConnectorType]TriggerMatchFunc),
		window: window,
		now:    time.Now,
	}
	m.Register(model.ConnectorSlackTrigger, matchSlack)
	m.Register(model.ConnectorDriveTrigger, matchDrive)
	return m
}

func (m *Matcher) Register(t model.ConnectorType, fn TriggerMatchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[t] = fn
}

// Match filters candidates down to the published workflows whose trigger
// matches event. A stale event matches nothing. An event without a source
// timestamp counts as received now.
func (m *Matcher) Match(event model.Event, candidates []*model.Workflow) ([]*model.Workflow, error) {
	now := m.now()
	at := event.Timestamp
	if at.IsZero() {
		at = now
	}
	if age := now.Sub(at); age > m.window {
		return nil, &StaleEventError{EventID: event.ID, Age: age, Window: m.window}
	}

	m.mu.RLock()
	fn, ok := m.rules[event.Connector]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var matched []*model.Workflow
	for _, w := range candidates {
		if w == nil || !w.Published {
			continue
		}
		trigger, ok := w.Trigger()
		if !ok || trigger.Connector != event.Connector {
			continue
		}
		cfg, ok := trigger.Config.(model.TriggerConfig)
		if !ok {
			continue
		}
		if fn(w, cfg, event) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

func matchSlack(w *model.Workflow, cfg model.TriggerConfig, event model.Event) bool {
	trigger, ok := cfg.(model.SlackTriggerConfig)
	if !ok {
		return false
	}
	msg, ok := event.Payload.(model.SlackMessage)
	if !ok {
		return false
	}

	if msg.ChannelType != trigger.ChannelType {
		return false
	}
	if trigger.ChannelType == model.ChannelTypeChannel && msg.Channel != trigger.ChannelID {
		return false
	}

	self := w.Connection.BotUserID
	if self == "" {
		self = w.Connection.UserID
	}
	if self != "" && msg.User == self {
		return false
	}

	if trigger.ChannelType == model.ChannelTypeIM {
		return slices.Contains(msg.AuthorizedUsers, w.Connection.UserID)
	}
	return true
}

func matchDrive(_ *model.Workflow, cfg model.TriggerConfig, event model.Event) bool {
	trigger, ok := cfg.(model.DriveTriggerConfig)
	if !ok {
		return false
	}
	change, ok := event.Payload.(model.DriveChange)
	if !ok {
		return false
	}
	return slices.Contains(trigger.Events, change.ResourceState)
}
