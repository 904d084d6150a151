// Package condition implements the DDS wait/condition layer:
// StatusCondition, GuardCondition, and WaitSet. The concurrency idiom
// follows the rest of this module: channel-and-mutex based, matching the
// stopCh/doneCh shutdown handshake used for goroutine lifecycles elsewhere
// and the context.Context-aware blocking style of a connection-pool
// acquire call.
package condition

import (
	"context"
	"sync"
	"time"
)

// StatusMask is a bitmask of the DDS communication statuses a
// StatusCondition can be enabled for.
type StatusMask uint32

const (
	DataAvailable StatusMask = 1 << iota
	DeadlineMissed
	LivelinessChanged
	SampleRejected
	RequestedIncompatibleQoS
	OfferedIncompatibleQoS
	PublicationMatched
	SubscriptionMatched
	LivelinessLost
)

// Condition is anything a WaitSet can wait on.
type Condition interface {
	// IsTriggered reports whether the condition is currently active. It
	// must not block.
	IsTriggered() bool
}

// notifier is implemented by conditions that can be attached to a WaitSet;
// it lets the condition wake any WaitSet it's attached to when it becomes
// triggered, without the WaitSet having to poll.
type notifier interface {
	attach(ws *WaitSet)
	detach(ws *WaitSet)
}

// StatusCondition is attached to a reader or writer; it triggers when any
// status enabled in its mask becomes active.
type StatusCondition struct {
	mu sync.Mutex
	enabled StatusMask
	active StatusMask
	waitSets map[*WaitSet]struct{}
}

// NewStatusCondition builds a StatusCondition enabled for the given mask.
func NewStatusCondition(enabled StatusMask) *StatusCondition {
	return &StatusCondition{enabled: enabled, waitSets: make(map[*WaitSet]struct{})}
}

// SetEnabledStatuses changes which statuses this condition reacts to.
func (s *StatusCondition) SetEnabledStatuses(mask StatusMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = mask
}

// Trigger marks status as active, waking any attached WaitSet if the
// status is one this condition is enabled for.
func (s *StatusCondition) Trigger(status StatusMask) {
	s.mu.Lock()
	s.active |= status
	wake := s.active&s.enabled != 0
	var sets []*WaitSet
	if wake {
		for ws := range s.waitSets {
			sets = append(sets, ws)
		}
	}
	s.mu.Unlock()
	for _, ws := range sets {
		ws.notifyChanged()
	}
}

// ClearStatus deactivates status, typically called once the application has
// observed and handled it.
func (s *StatusCondition) ClearStatus(status StatusMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active &^= status
}

// ActiveStatuses reports the currently active status bits, regardless of
// which are enabled.
func (s *StatusCondition) ActiveStatuses() StatusMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *StatusCondition) IsTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active&s.enabled != 0
}

func (s *StatusCondition) attach(ws *WaitSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitSets[ws] = struct{}{}
}

func (s *StatusCondition) detach(ws *WaitSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waitSets, ws)
}

// GuardCondition is a manually triggerable, edge-sensitive condition used
// for shutdown and application signaling.
type GuardCondition struct {
	mu sync.Mutex
	triggered bool
	waitSets map[*WaitSet]struct{}
}

func NewGuardCondition() *GuardCondition {
	return &GuardCondition{waitSets: make(map[*WaitSet]struct{})}
}

// SetTriggerValue sets the guard's triggered state, waking attached
// WaitSets when transitioning to true.
func (g *GuardCondition) SetTriggerValue(v bool) {
	g.mu.Lock()
	wasTriggered := g.triggered
	g.triggered = v
	var sets []*WaitSet
	if v && !wasTriggered {
		for ws := range g.waitSets {
			sets = append(sets, ws)
		}
	}
	g.mu.Unlock()
	for _, ws := range sets {
		ws.notifyChanged()
	}
}

func (g *GuardCondition) IsTriggered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.triggered
}

func (g *GuardCondition) attach(ws *WaitSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waitSets[ws] = struct{}{}
}

func (g *GuardCondition) detach(ws *WaitSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waitSets, ws)
}

// WaitSet holds a set of conditions and lets a caller block until any of
// them is triggered. Attach/Detach are safe concurrent with
// Wait.
type WaitSet struct {
	mu sync.Mutex
	conditions map[Condition]struct{}
	wake chan struct{} // buffered, capacity 1: a pending wake-up
}

func NewWaitSet() *WaitSet {
	return &WaitSet{
		conditions: make(map[Condition]struct{}),
		wake: make(chan struct{}, 1),
	}
}

// Attach adds c to the set. If c is a StatusCondition or GuardCondition, it
// registers this WaitSet to be woken when c becomes triggered.
func (ws *WaitSet) Attach(c Condition) {
	ws.mu.Lock()
	ws.conditions[c] = struct{}{}
	ws.mu.Unlock()
	if n, ok := c.(notifier); ok {
		n.attach(ws)
	}
}

// Detach removes c from the set.
func (ws *WaitSet) Detach(c Condition) {
	ws.mu.Lock()
	delete(ws.conditions, c)
	ws.mu.Unlock()
	if n, ok := c.(notifier); ok {
		n.detach(ws)
	}
}

// notifyChanged wakes a blocked Wait call, if any. Non-blocking: if a
// wake-up is already pending, this is a no-op.
func (ws *WaitSet) notifyChanged() {
	select {
	case ws.wake <- struct{}{}:
	default:
	}
}

// triggeredConditions returns the subset of attached conditions currently
// triggered.
func (ws *WaitSet) triggeredConditions() []Condition {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	var out []Condition
	for c := range ws.conditions {
		if c.IsTriggered() {
			out = append(out, c)
		}
	}
	return out
}

// Wait blocks until at least one attached condition is triggered or timeout
// elapses, returning the triggered subset (or empty on timeout). A
// condition triggered before Wait is called is seen by this call: the
// triggered set is checked before blocking, so no wake-up can be missed
// (ordering guarantee).
func (ws *WaitSet) Wait(timeout time.Duration) []Condition {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return ws.WaitContext(ctx)
}

// WaitContext is Wait with caller-supplied cancellation, used by the
// participant's shutdown path to unblock every active WaitSet
// via a GuardCondition rather than relying on a timeout.
func (ws *WaitSet) WaitContext(ctx context.Context) []Condition {
	for {
		if triggered := ws.triggeredConditions(); len(triggered) > 0 {
			return triggered
		}
		select {
		case <-ws.wake:
			// loop: re-check, since another waiter may have drained the
			// triggered set between the check above and this select.
		case <-ctx.Done():
			return nil
		}
	}
}
