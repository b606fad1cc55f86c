package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is one moment in the lifecycle of an instrumented key-value call.
// The set of implementations is closed: OperationStarted, OperationCompleted
// and OperationFailed.
type Event interface {
	EventHeader() Header
	isEvent()
}

// Header carries the correlation data shared by every event variant.
type Header struct {
	ID           uuid.UUID
	ConnectionID string
	OperationID  string
	CapturedAt   time.Time
	Offset       time.Duration
}

// EventHeader returns the shared header.
func (h Header) EventHeader() Header { return h }

func (Header) isEvent() {}

// OperationStarted is published right before a call reaches the store.
type OperationStarted struct {
	Header
	Type       string
	Keys       []string
	CheckDupes bool
	IsAsync    bool
}

// OperationCompleted is published when the store answered, including
// key-not-found answers.
type OperationCompleted struct {
	Header
	KeysFound []bool
	IsAsync   bool
	Duration  time.Duration
}

// OperationFailed is published when the store call returned an error.
// Messages and Faults are independent lists.
type OperationFailed struct {
	Header
	Messages []string
	Faults   []Fault
	IsAsync  bool
	Duration time.Duration
}

// Fault is an error observed by the interception layer together with the
// goroutine stack at the point it was observed.
type Fault struct {
	Err   error
	Stack string
}

// NewHeader builds a header with a fresh event id.
func NewHeader(connectionID, operationID string, capturedAt time.Time, offset time.Duration) Header {
	return Header{
		ID:           uuid.New(),
		ConnectionID: connectionID,
		OperationID:  operationID,
		CapturedAt:   capturedAt,
		Offset:       offset,
	}
}

// NewOperationStarted builds a started event. keys is copied.
func NewOperationStarted(h Header, opType string, keys []string, checkDupes, isAsync bool) OperationStarted {
	return OperationStarted{
		Header:     h,
		Type:       opType,
		Keys:       append([]string(nil), keys...),
		CheckDupes: checkDupes,
		IsAsync:    isAsync,
	}
}

// NewOperationCompleted builds a completed event. found is copied.
func NewOperationCompleted(h Header, found []bool, isAsync bool, duration time.Duration) OperationCompleted {
	return OperationCompleted{
		Header:    h,
		KeysFound: append([]bool(nil), found...),
		IsAsync:   isAsync,
		Duration:  duration,
	}
}

// NewOperationFailed builds a failed event. messages and faults are copied.
func NewOperationFailed(h Header, messages []string, faults []Fault, isAsync bool, duration time.Duration) OperationFailed {
	return OperationFailed{
		Header:   h,
		Messages: append([]string(nil), messages...),
		Faults:   append([]Fault(nil), faults...),
		IsAsync:  isAsync,
		Duration: duration,
	}
}

// Select returns the events of variant T in input order.
func Select[T Event](events []Event) []T {
	out := make([]T, 0, len(events))
	for _, e := range events {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
