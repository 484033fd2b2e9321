package cvm

// EventInjection mirrors amd64_event_injection (orig: svm_exit.h) — the
// packed word the VMCB's event_injection field carries across a VMRUN.
type EventInjection struct {
	Vector     uint8
	Type       EventType
	ErrorValid bool
	Valid      bool
	ErrorCode  uint32
}

// EventType enumerates the 3-bit "type" subfield of EventInjection.
type EventType uint8

const (
	EventExternalInterrupt EventType = 0
	EventNMI               EventType = 2
	EventException         EventType = 3
	EventSoftwareInterrupt EventType = 4
)

// Encode packs the struct into the 64-bit VMCB representation.
func (e EventInjection) Encode() uint64 {
	v := uint64(e.Vector)
	v |= uint64(e.Type&0x7) << 8
	if e.ErrorValid {
		v |= 1 << 11
	}
	if e.Valid {
		v |= 1 << 31
	}
	v |= uint64(e.ErrorCode) << 32
	return v
}

// DecodeEventInjection unpacks a raw VMCB event_injection or
// exit_interrupt_info word.
func DecodeEventInjection(raw uint64) EventInjection {
	return EventInjection{
		Vector:     uint8(raw),
		Type:       EventType((raw >> 8) & 0x7),
		ErrorValid: raw&(1<<11) != 0,
		Valid:      raw&(1<<31) != 0,
		ErrorCode:  uint32(raw >> 32),
	}
}

// Exception vectors the exit dispatcher and event-injection helpers name
// directly (spec.md §4.5, §4.6).
const (
	ExceptionDB  = 1
	ExceptionNMI = 2
	ExceptionBP  = 3
	ExceptionUD  = 6
	ExceptionNM  = 7
	ExceptionDF  = 8
	ExceptionTS  = 10
	ExceptionNP  = 11
	ExceptionSS  = 12
	ExceptionGP  = 13
	ExceptionPF  = 14
	ExceptionMC  = 18
	ExceptionXM  = 19
)

// InjectException builds an EventInjection for a hardware or software
// exception, setting error_valid per the fixed exception set that carries
// an error code on real silicon.
func InjectException(vector uint8, errorCode uint32) EventInjection {
	hasError := vector == ExceptionDF || vector == ExceptionTS ||
		vector == ExceptionNP || vector == ExceptionSS ||
		vector == ExceptionGP || vector == ExceptionPF
	return EventInjection{
		Vector:     vector,
		Type:       EventException,
		ErrorValid: hasError,
		ErrorCode:  errorCode,
		Valid:      true,
	}
}

// InjectInterrupt builds an EventInjection for a virtual external
// interrupt vector; CustomVCPU.QueueEvent gates such events against the
// TPR.
func InjectInterrupt(vector uint8) EventInjection {
	return EventInjection{Vector: vector, Type: EventExternalInterrupt, Valid: true}
}

// InjectNMI builds an EventInjection carrying a non-maskable interrupt.
func InjectNMI() EventInjection {
	return EventInjection{Vector: 2, Type: EventNMI, Valid: true}
}

// pendingEvent is one eventQueue entry: an injection plus its rank, so an
// NMI always precedes a plain external interrupt if both are pending
// (spec.md §4.6). switchToGuest does not consult an eventQueue; it injects
// the single CustomVCPU.pendingEvent.
type pendingEvent struct {
	inj      EventInjection
	priority int
}

func priorityOf(t EventType) int {
	switch t {
	case EventException:
		return 0
	case EventNMI:
		return 1
	case EventSoftwareInterrupt:
		return 2
	default:
		return 3
	}
}

// eventQueue orders pending injections by priority, highest first, ties
// broken FIFO.
type eventQueue struct {
	events []pendingEvent
}

func (q *eventQueue) Push(inj EventInjection) {
	q.events = append(q.events, pendingEvent{inj: inj, priority: priorityOf(inj.Type)})
}

func (q *eventQueue) Empty() bool { return len(q.events) == 0 }

// Pop removes and returns the highest-priority pending event.
func (q *eventQueue) Pop() (EventInjection, bool) {
	if len(q.events) == 0 {
		return EventInjection{}, false
	}
	best := 0
	for i, e := range q.events {
		if e.priority < q.events[best].priority {
			best = i
		}
	}
	picked := q.events[best]
	q.events = append(q.events[:best], q.events[best+1:]...)
	return picked.inj, true
}
