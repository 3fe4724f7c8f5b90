package fscp

// This file implements the FSCP per-peer state machine as a pure function
// over a transition table -- no side effects, no Peer dependency. This
// makes it trivially testable in isolation from timers and sockets.
//
// State diagram:
//
//	Unknown --[send HelloRequest]--> Greeted
//	Greeted --[recv HelloResponse]--> Presented-pending (still Greeted;
//	          presentation is exchanged, not an FSM-visible state change
//	          until a valid PRESENTATION arrives)
//	Greeted --[recv valid Presentation]--> Presented
//	Presented --[send SessionRequest]--> SessionRequested
//	SessionRequested --[recv valid Session]--> SessionEstablished
//	Presented --[recv valid Session (as responder, self-installed)]--> SessionEstablished
//	SessionEstablished --[recv valid Session, rekey]--> SessionEstablished
//	any --[idle timeout | teardown | fatal auth failure]--> SessionLost

// State is a peer's position in the FSCP handshake/session lifecycle.
type State uint8

const (
	StateUnknown State = iota
	StateGreeted
	StatePresented
	StateSessionRequested
	StateSessionEstablished
	StateSessionLost
)

var stateNames = [...]string{
	"Unknown", "Greeted", "Presented", "SessionRequested", "SessionEstablished", "SessionLost",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown(invalid)"
}

// Event is an input to the FSM: either a local action or a validated
// inbound message. Validation (signature, cert chain, cipher intersection)
// happens before Apply is called — the FSM only sees the outcome.
type Event uint8

const (
	EventSendHello Event = iota
	EventRecvHelloResponse
	EventRecvValidPresentation
	EventSendSessionRequest
	EventRecvValidSession // SESSION accepted: chosen suite/curve in our capability set
	EventRecvRekeySession // SESSION accepted while already established
	EventIdleTimeout
	EventTeardown
	EventFatalAuthFailure
)

func (e Event) String() string {
	switch e {
	case EventSendHello:
		return "SendHello"
	case EventRecvHelloResponse:
		return "RecvHelloResponse"
	case EventRecvValidPresentation:
		return "RecvValidPresentation"
	case EventSendSessionRequest:
		return "SendSessionRequest"
	case EventRecvValidSession:
		return "RecvValidSession"
	case EventRecvRekeySession:
		return "RecvRekeySession"
	case EventIdleTimeout:
		return "IdleTimeout"
	case EventTeardown:
		return "Teardown"
	case EventFatalAuthFailure:
		return "FatalAuthFailure"
	default:
		return "Unknown"
	}
}

// Action is a side-effect the caller must perform after a transition.
// The FSM itself never sends packets, starts timers, or fires callbacks.
type Action uint8

const (
	ActionArmHelloTimer Action = iota + 1
	ActionSendPresentation
	ActionArmSessionTimer
	ActionInstallSessionKeys
	ActionNotifyEstablished
	ActionNotifyLost
	ActionCancelTimers
)

func (a Action) String() string {
	switch a {
	case ActionArmHelloTimer:
		return "ArmHelloTimer"
	case ActionSendPresentation:
		return "SendPresentation"
	case ActionArmSessionTimer:
		return "ArmSessionTimer"
	case ActionInstallSessionKeys:
		return "InstallSessionKeys"
	case ActionNotifyEstablished:
		return "NotifyEstablished"
	case ActionNotifyLost:
		return "NotifyLost"
	case ActionCancelTimers:
		return "CancelTimers"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an event to the FSM.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	{StateUnknown, EventSendHello}: {
		newState: StateGreeted,
		actions:  []Action{ActionArmHelloTimer},
	},
	{StateGreeted, EventRecvHelloResponse}: {
		newState: StateGreeted,
		actions:  []Action{ActionSendPresentation},
	},
	{StateGreeted, EventRecvValidPresentation}: {
		newState: StatePresented,
		actions:  []Action{ActionSendPresentation},
	},
	{StatePresented, EventRecvValidPresentation}: {
		// a later PRESENTATION (certificate rotated) is accepted without
		// dropping back to Greeted; no session exists to discard yet.
		newState: StatePresented,
		actions:  nil,
	},
	{StatePresented, EventSendSessionRequest}: {
		newState: StateSessionRequested,
		actions:  []Action{ActionArmSessionTimer},
	},
	{StateSessionRequested, EventRecvValidSession}: {
		newState: StateSessionEstablished,
		actions:  []Action{ActionInstallSessionKeys, ActionNotifyEstablished},
	},
	{StatePresented, EventRecvValidSession}: {
		// the responder installs its own session keys as soon as it has
		// answered SESSION_REQUEST with SESSION; it never receives a SESSION
		// message of its own, so this is its only path to Established.
		newState: StateSessionEstablished,
		actions:  []Action{ActionInstallSessionKeys, ActionNotifyEstablished},
	},
	{StateSessionEstablished, EventRecvRekeySession}: {
		// rekey: stay Established, atomically replace keys.
		newState: StateSessionEstablished,
		actions:  []Action{ActionInstallSessionKeys},
	},
	{StateSessionEstablished, EventSendSessionRequest}: {
		// local side initiates a rekey before expiry.
		newState: StateSessionEstablished,
		actions:  []Action{ActionArmSessionTimer},
	},
}

// terminal transitions apply uniformly from any non-terminal state, so
// they are not spelled out per-state in fsmTable.
func terminalTransition(event Event) (transition, bool) {
	switch event {
	case EventIdleTimeout, EventTeardown, EventFatalAuthFailure:
		return transition{newState: StateSessionLost, actions: []Action{ActionCancelTimers, ActionNotifyLost}}, true
	default:
		return transition{}, false
	}
}

// Apply applies an FSM event to the given state and returns the result.
// Pure function: no side effects. Unlisted (state, event) pairs are
// silently ignored — the event is dropped and Changed is false. The
// three terminal events (idle timeout, teardown, fatal auth failure)
// apply from every state except Unknown (there is no session to lose
// before a Hello has ever been sent) and SessionLost itself (idempotent).
func Apply(current State, event Event) Result {
	if tr, ok := fsmTable[stateEvent{current, event}]; ok {
		return Result{OldState: current, NewState: tr.newState, Actions: tr.actions, Changed: current != tr.newState}
	}

	if current != StateUnknown && current != StateSessionLost {
		if tr, ok := terminalTransition(event); ok {
			return Result{OldState: current, NewState: tr.newState, Actions: tr.actions, Changed: current != tr.newState}
		}
	}

	return Result{OldState: current, NewState: current, Actions: nil, Changed: false}
}
