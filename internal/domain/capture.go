package domain

import "time"

// Capture stores the diagnostics produced by one capture window.
type Capture struct {
	ID              string
	Name            string
	StartedAt       time.Time
	Elapsed         time.Duration
	ConnectionCount int
	OperationCount  int
	DuplicateCount  int
	ErrorCount      int
	ExecutionTime   time.Duration
	Report          []byte
	CreatedAt       time.Time
}
