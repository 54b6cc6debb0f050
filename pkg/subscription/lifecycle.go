package subscription

import (
	"context"

	"github.com/dmitrymomot/coachbilling/pkg/statemachine"
)

// lifecycle decides which gateway-reported statuses may be applied to a
// stored record. Canceled is terminal: later events with another status are
// stale and do not revive the record.
type lifecycle struct {
	def *statemachine.Definition
}

var (
	liveStatuses = []Status{StatusTrialing, StatusActive, StatusPastDue}
	allStatuses  = []Status{StatusTrialing, StatusActive, StatusPastDue, StatusCanceled}
)

func newLifecycle() *lifecycle {
	var transitions []statemachine.Transition
	for _, from := range liveStatuses {
		for _, to := range allStatuses {
			transitions = append(transitions, statemachine.Transition{
				From:  statemachine.StringState(from),
				To:    statemachine.StringState(to),
				Event: reportedEvent(to),
			})
		}
	}
	transitions = append(transitions, statemachine.Transition{
		From:  statemachine.StringState(StatusCanceled),
		To:    statemachine.StringState(StatusCanceled),
		Event: reportedEvent(StatusCanceled),
	})
	return &lifecycle{def: statemachine.MustDefinition(transitions...)}
}

func reportedEvent(s Status) statemachine.Event {
	return statemachine.StringEvent("reported_" + string(s))
}

// next returns the status to store when the gateway reports reported for a
// record currently in current. A new record takes the reported status.
// ok is false when the report was rejected as stale.
func (l *lifecycle) next(ctx context.Context, current, reported Status) (Status, bool) {
	if current == "" {
		return reported, true
	}
	m := l.def.Start(statemachine.StringState(current))
	if err := m.Fire(ctx, reportedEvent(reported), nil); err != nil {
		return current, false
	}
	return Status(m.Current().Name()), true
}
