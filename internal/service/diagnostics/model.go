package diagnostics

import (
	"time"

	"github.com/splax/kvscope/internal/domain"
)

// OperationMetadata accumulates everything observed about one logical
// operation. Fields not supplied by any event keep their zero value, which
// consumers read as unknown.
type OperationMetadata struct {
	ID           string
	ConnectionID string
	Type         string
	Keys         []string
	KeysFound    []bool
	Messages     []string
	Faults       []domain.Fault
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Offset       time.Duration
	IsDuplicate  bool
	IsAsync      bool
}

// Failed reports whether the operation recorded error messages or faults.
func (o *OperationMetadata) Failed() bool {
	return len(o.Messages) > 0 || len(o.Faults) > 0
}

// ConnectionMetadata groups the operations that ran against one connection.
type ConnectionMetadata struct {
	ID         string
	Operations map[string]*OperationMetadata

	order []string
}

func newConnectionMetadata(id string) *ConnectionMetadata {
	return &ConnectionMetadata{
		ID:         id,
		Operations: make(map[string]*OperationMetadata),
	}
}

func (c *ConnectionMetadata) register(op *OperationMetadata) {
	c.Operations[op.ID] = op
	c.order = append(c.order, op.ID)
}

// Ordered returns the connection's operations in the order they were first
// observed.
func (c *ConnectionMetadata) Ordered() []*OperationMetadata {
	out := make([]*OperationMetadata, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.Operations[id])
	}
	return out
}

// AggregateMetadata is the result of aggregating one capture window.
// Connections owns every OperationMetadata; Operations is a flat lookup
// index over the same records.
type AggregateMetadata struct {
	Connections map[string]*ConnectionMetadata
	Operations  map[string]*OperationMetadata

	connectionOrder []string
}

func newAggregateMetadata() *AggregateMetadata {
	return &AggregateMetadata{
		Connections: make(map[string]*ConnectionMetadata),
		Operations:  make(map[string]*OperationMetadata),
	}
}

// OrderedConnections returns connections in the order they were first
// observed.
func (m *AggregateMetadata) OrderedConnections() []*ConnectionMetadata {
	out := make([]*ConnectionMetadata, 0, len(m.connectionOrder))
	for _, id := range m.connectionOrder {
		out = append(out, m.Connections[id])
	}
	return out
}

// TotalDuration sums the duration of every operation.
func (m *AggregateMetadata) TotalDuration() time.Duration {
	var total time.Duration
	for _, op := range m.Operations {
		total += op.Duration
	}
	return total
}

// DuplicateCount counts operations flagged as duplicates.
func (m *AggregateMetadata) DuplicateCount() int {
	n := 0
	for _, op := range m.Operations {
		if op.IsDuplicate {
			n++
		}
	}
	return n
}

// ErrorCount counts operations that recorded an error.
func (m *AggregateMetadata) ErrorCount() int {
	n := 0
	for _, op := range m.Operations {
		if op.Failed() {
			n++
		}
	}
	return n
}

// Empty reports whether no operation was observed.
func (m *AggregateMetadata) Empty() bool {
	return len(m.Operations) == 0
}

// connectionFor resolves or creates the connection record for id.
func (m *AggregateMetadata) connectionFor(id string) *ConnectionMetadata {
	conn, ok := m.Connections[id]
	if !ok {
		conn = newConnectionMetadata(id)
		m.Connections[id] = conn
		m.connectionOrder = append(m.connectionOrder, id)
	}
	return conn
}

// operationFor resolves or creates the operation referenced by h, creating
// its connection when needed. The returned pointer stays valid for the rest
// of the run.
func (m *AggregateMetadata) operationFor(h domain.Header) *OperationMetadata {
	op, ok := m.Operations[h.OperationID]
	if !ok {
		op = &OperationMetadata{ID: h.OperationID, ConnectionID: h.ConnectionID}
		m.Operations[h.OperationID] = op
		m.connectionFor(h.ConnectionID).register(op)
	}
	return op
}
