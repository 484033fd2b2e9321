package cvm

import "testing"

func TestEventInjectionEncodeDecodeRoundTrip(t *testing.T) {
	inj := InjectException(ExceptionGP, 0xBEEF)
	raw := inj.Encode()
	got := DecodeEventInjection(raw)
	if got.Vector != ExceptionGP || !got.Valid || !got.ErrorValid || got.ErrorCode != 0xBEEF {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestInjectExceptionSetsErrorValidOnlyForErrorCodeVectors(t *testing.T) {
	if InjectException(ExceptionUD, 0).ErrorValid {
		t.Fatal("#UD should not carry an error code")
	}
	if !InjectException(ExceptionGP, 0).ErrorValid {
		t.Fatal("#GP should carry an error code")
	}
	if !InjectException(ExceptionPF, 0).ErrorValid {
		t.Fatal("#PF should carry an error code")
	}
}

func TestEventQueuePrioritizesExceptionOverInterrupt(t *testing.T) {
	var q eventQueue
	q.Push(InjectInterrupt(0x30))
	q.Push(InjectException(ExceptionGP, 0))

	first, ok := q.Pop()
	if !ok || first.Type != EventException {
		t.Fatalf("expected exception first, got %+v", first)
	}
	second, ok := q.Pop()
	if !ok || second.Type != EventExternalInterrupt {
		t.Fatalf("expected interrupt second, got %+v", second)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestEventQueueNMIOutranksInterruptAndSoftware(t *testing.T) {
	var q eventQueue
	q.Push(InjectInterrupt(0x30))
	q.Push(EventInjection{Vector: 0x80, Type: EventSoftwareInterrupt, Valid: true})
	q.Push(InjectNMI())

	first, _ := q.Pop()
	if first.Type != EventNMI {
		t.Fatalf("expected NMI first, got %+v", first)
	}
}
