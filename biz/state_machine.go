package biz

import (
	"github.com/smallnest/gofsm"
	slog "github.com/vearne/simplelog"

	"github.com/claby2/ebpfcca/model"
)

// A flow is Active while the registry holds a connection for its id.
const (
	StateAbsent = "ABSENT"
	StateActive = "ACTIVE"
)

const (
	EventCreate = "FLOW_CREATED"
	EventSignal = "SIGNAL"
	EventFree   = "FLOW_FREED"
)

const (
	ActionCreate  = "create"
	ActionReplace = "replace"
	ActionReload  = "reload"
	ActionRetire  = "retire"
	ActionDrop    = "drop"
)

// flowEvent is the single argument of every transition.
type flowEvent struct {
	id      model.FlowID
	event   string
	created *model.FlowCreated
	signal  *model.Signal

	// filled in by the action
	action string
	err    error
}

type FlowEventProcessor struct {
	m *Manager
}

func (p *FlowEventProcessor) Action(action string, fromState string, toState string, args []interface{}) error {
	ev := args[0].(*flowEvent)
	ev.action = action
	switch action {
	case ActionCreate:
		ev.err = p.m.create(ev.created)
	case ActionReplace:
		ev.err = p.m.replace(ev.created)
	case ActionReload:
		ev.err = p.m.reload(ev.signal)
	case ActionRetire:
		ev.err = p.m.retire(ev.id)
	case ActionDrop:
		p.m.drop(ev)
	default:
		slog.Debug("unknow action: %v, flow:%v", action, ev.id)
	}
	return ev.err
}

func (p *FlowEventProcessor) OnActionFailure(action string, fromState string, toState string, args []interface{}, err error) {
	ev := args[0].(*flowEvent)
	slog.Warn("%v failed, flow:%v, [%v] -> [%v]: %v", action, ev.id, fromState, toState, err)
}

func (p *FlowEventProcessor) OnExit(fromState string, args []interface{}) {
}

func (p *FlowEventProcessor) OnEnter(toState string, args []interface{}) {
	ev := args[0].(*flowEvent)
	slog.Debug("OnEnter, flow:%v, state -> %v", ev.id, toState)
}

func InitFlowFSM(processor fsm.EventProcessor) *fsm.StateMachine {
	delegate := &fsm.DefaultDelegate{P: processor}
	transitions := []fsm.Transition{
		{From: StateAbsent, Event: EventCreate, To: StateActive, Action: ActionCreate},
		// the kernel reused the address before we saw the free
		{From: StateActive, Event: EventCreate, To: StateActive, Action: ActionReplace},

		{From: StateActive, Event: EventSignal, To: StateActive, Action: ActionReload},
		{From: StateAbsent, Event: EventSignal, To: StateAbsent, Action: ActionDrop},

		{From: StateActive, Event: EventFree, To: StateAbsent, Action: ActionRetire},
		{From: StateAbsent, Event: EventFree, To: StateAbsent, Action: ActionDrop},
	}

	return fsm.NewStateMachine(delegate, transitions...)
}
