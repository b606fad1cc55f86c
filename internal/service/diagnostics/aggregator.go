package diagnostics

import (
	"slices"
	"strings"

	"github.com/splax/kvscope/internal/domain"
)

// dedupSeparator joins the operation type and keys into a dedup key. It is
// not escaped, so keys containing a space can collide with other key lists.
const dedupSeparator = " "

// Aggregate folds the events of one capture window into per-connection,
// per-operation metadata. It never returns nil: an empty input yields an
// aggregate with no connections and no operations.
//
// Events are processed in three passes (started, completed, failed) so end
// times can use start times recorded by the first pass. Within a pass events
// are taken in input order.
func Aggregate(events []domain.Event) *AggregateMetadata {
	m := newAggregateMetadata()
	aggregateStarted(m, events)
	aggregateCompleted(m, events)
	aggregateFailed(m, events)
	return m
}

func aggregateStarted(m *AggregateMetadata, events []domain.Event) {
	dupes := make(map[string]int)
	for _, ev := range domain.Select[domain.OperationStarted](events) {
		op := m.operationFor(ev.Header)
		op.Type = ev.Type
		op.Keys = slices.Clone(ev.Keys)
		op.StartTime = ev.CapturedAt
		op.Offset = ev.Offset
		op.IsAsync = ev.IsAsync

		if ev.CheckDupes {
			key := dedupKey(ev.Type, ev.Keys)
			count := dupes[key]
			op.IsDuplicate = count > 0
			dupes[key] = count + 1
		}
	}
}

func aggregateCompleted(m *AggregateMetadata, events []domain.Event) {
	for _, ev := range domain.Select[domain.OperationCompleted](events) {
		op := m.operationFor(ev.Header)
		op.KeysFound = slices.Clone(ev.KeysFound)
		op.Duration = ev.Duration
		op.EndTime = op.StartTime.Add(ev.Offset)
		op.Offset = ev.Offset
		op.IsAsync = ev.IsAsync
	}
}

func aggregateFailed(m *AggregateMetadata, events []domain.Event) {
	for _, ev := range domain.Select[domain.OperationFailed](events) {
		op := m.operationFor(ev.Header)
		op.Duration = ev.Duration
		op.Messages = slices.Clone(ev.Messages)
		op.Faults = slices.Clone(ev.Faults)
		op.EndTime = op.StartTime.Add(ev.Offset)
		op.Offset = ev.Offset
		op.IsAsync = ev.IsAsync
	}
}

func dedupKey(opType string, keys []string) string {
	return opType + dedupSeparator + strings.Join(keys, dedupSeparator)
}
