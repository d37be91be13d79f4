package orders

import (
	"time"

	"github.com/sirupsen/logrus"
)

// FlowState is the state of one buy or sell execution.
type FlowState string

const (
	FlowSubmitting FlowState = "submitting"
	FlowWorking    FlowState = "working"
	FlowRepricing  FlowState = "repricing"
	FlowFilled     FlowState = "filled"
	FlowCancelled  FlowState = "cancelled"
	FlowExhausted  FlowState = "exhausted"
	FlowRejected   FlowState = "rejected"
	FlowSkipped    FlowState = "skipped" // refused before reaching the broker
)

// flowTransitions lists, for each state, the states it may move to.
// Terminal states have no entry.
var flowTransitions = map[FlowState][]FlowState{
	FlowSubmitting: {FlowWorking, FlowRejected, FlowRepricing, FlowCancelled, FlowExhausted},
	FlowWorking:    {FlowFilled, FlowRepricing, FlowCancelled, FlowExhausted, FlowRejected},
	FlowRepricing:  {FlowSubmitting, FlowFilled, FlowCancelled, FlowExhausted},
}

// ValidFlowTransition reports whether an execution may move from one state to another.
func ValidFlowTransition(from, to FlowState) bool {
	for _, s := range flowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s FlowState) Terminal() bool {
	_, ok := flowTransitions[s]
	return !ok
}

// flow tracks one execution through its states.
type flow struct {
	kind    string
	state   FlowState
	started time.Time
	log     *logrus.Entry
}

func newFlow(kind string, log *logrus.Entry) *flow {
	return &flow{kind: kind, state: FlowSubmitting, started: time.Now(), log: log}
}

// advance moves the flow. An edge missing from the table is logged and still
// taken so the caller can finish cleaning up.
func (f *flow) advance(to FlowState) {
	if !ValidFlowTransition(f.state, to) {
		f.log.WithFields(logrus.Fields{"from": f.state, "to": to}).Error("Unexpected execution state transition")
	}
	f.log.WithFields(logrus.Fields{"from": f.state, "to": to}).Debug("Execution state change")
	f.state = to
}
