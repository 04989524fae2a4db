package models

import (
	"fmt"
	"sync"
	"time"
)

// OrderPhase is the engine-side lifecycle of one reversal order.
type OrderPhase string

const (
	PhaseCreated   OrderPhase = "created"   // Built, not yet handed to the broker
	PhaseSubmitted OrderPhase = "submitted" // Accepted by the execution handler
	PhaseFilled    OrderPhase = "filled"    // Terminal: fully filled
	PhaseCancelled OrderPhase = "cancelled" // Terminal: cancelled by us or the broker
	PhaseFailed    OrderPhase = "failed"    // Terminal: protocol violation or unrecoverable error
)

// OrderTransition defines a valid lifecycle transition
type OrderTransition struct {
	From        OrderPhase
	To          OrderPhase
	Condition   string
	Description string
}

// Transition conditions.
const (
	ConditionOrderSubmitted        = "order_submitted"
	ConditionSubmitFailed          = "submit_failed"
	ConditionCancelledBeforeSubmit = "cancelled_before_submit"
	ConditionConvertedToMarket     = "converted_to_market"
	ConditionOrderFilled           = "order_filled"
	ConditionOrderCancelled        = "order_cancelled"
	ConditionNoTerminalState       = "no_terminal_state"
	ConditionStreamError           = "stream_error"
	ConditionUnknownState          = "unknown_state"
	ConditionContextCancelled      = "context_cancelled"
)

// ValidOrderTransitions lists every transition the engine may take.
var ValidOrderTransitions = []OrderTransition{
	{PhaseCreated, PhaseSubmitted, ConditionOrderSubmitted, "Execution handler accepted the order"},
	{PhaseCreated, PhaseFailed, ConditionSubmitFailed, "Order rejected before acceptance"},
	{PhaseCreated, PhaseCancelled, ConditionCancelledBeforeSubmit, "Order cancelled before acceptance"},

	{PhaseSubmitted, PhaseSubmitted, ConditionConvertedToMarket, "Resting limit order modified to market"},
	{PhaseSubmitted, PhaseFilled, ConditionOrderFilled, "Broker reported fill"},
	{PhaseSubmitted, PhaseCancelled, ConditionOrderCancelled, "Broker reported cancellation"},
	{PhaseSubmitted, PhaseFailed, ConditionNoTerminalState, "Status stream ended without a terminal state"},
	{PhaseSubmitted, PhaseFailed, ConditionStreamError, "Status stream failed mid-flight"},
	{PhaseSubmitted, PhaseFailed, ConditionUnknownState, "Broker reported an unknown state"},
	{PhaseSubmitted, PhaseFailed, ConditionContextCancelled, "Caller gave up on the order"},
}

// OrderLifecycle tracks one order through ValidOrderTransitions.
type OrderLifecycle struct {
	mu              sync.RWMutex
	transitionTime  time.Time
	transitionCount map[OrderPhase]int
	current         OrderPhase
	previous        OrderPhase
	maxConversions  int
}

// NewOrderLifecycle starts a lifecycle in the created phase.
func NewOrderLifecycle() *OrderLifecycle {
	return &OrderLifecycle{
		current:         PhaseCreated,
		previous:        PhaseCreated,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[OrderPhase]int),
		maxConversions:  1,
	}
}

// Current returns the current phase.
func (l *OrderLifecycle) Current() OrderPhase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Previous returns the phase before the last transition.
func (l *OrderLifecycle) Previous() OrderPhase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.previous
}

// TransitionTime returns when the last transition happened.
func (l *OrderLifecycle) TransitionTime() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transitionTime
}

// IsTerminal reports whether the lifecycle has ended.
func (l *OrderLifecycle) IsTerminal() bool {
	switch l.Current() {
	case PhaseFilled, PhaseCancelled, PhaseFailed:
		return true
	}
	return false
}

// Conversions returns how many times the order was converted to market.
func (l *OrderLifecycle) Conversions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return max(0, l.transitionCount[PhaseSubmitted]-1)
}

// CanTransition checks a transition without performing it.
func (l *OrderLifecycle) CanTransition(to OrderPhase, condition string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validate(to, condition)
}

func (l *OrderLifecycle) validate(to OrderPhase, condition string) error {
	defined := false
	for _, tr := range ValidOrderTransitions {
		if tr.From == l.current && tr.To == to && tr.Condition == condition {
			defined = true
			break
		}
	}
	if !defined {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'", l.current, to, condition)
	}
	if condition == ConditionConvertedToMarket && l.transitionCount[PhaseSubmitted]-1 >= l.maxConversions {
		return fmt.Errorf("maximum market conversions (%d) exceeded", l.maxConversions)
	}
	return nil
}

// Transition moves to a new phase.
func (l *OrderLifecycle) Transition(to OrderPhase, condition string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.validate(to, condition); err != nil {
		return err
	}
	l.previous = l.current
	l.current = to
	l.transitionTime = time.Now().UTC()
	l.transitionCount[to]++
	return nil
}
