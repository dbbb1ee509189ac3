package queue

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError names the subtask ids that can reach themselves through
// depends_on. The whole submission is rejected when it is returned.
type CycleError struct {
	SubtaskIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic depends_on graph: %s", strings.Join(e.SubtaskIDs, ", "))
}

// depTracker holds subtasks whose depends_on list is not yet satisfied,
// plus the recorded outputs of completed subtasks. It stores only ids
// and outputs; relations are index-based, never pointers.
type depTracker struct {
	pending      map[string]Subtask
	pendingOrder []string
	outputs      map[string]string
}

func newDepTracker() *depTracker {
	return &depTracker{
		pending: make(map[string]Subtask),
		outputs: make(map[string]string),
	}
}

func (t *depTracker) addPending(st Subtask) {
	if _, ok := t.pending[st.SubtaskID]; ok {
		return
	}
	t.pending[st.SubtaskID] = st
	t.pendingOrder = append(t.pendingOrder, st.SubtaskID)
}

// satisfied reports whether every dependency has a recorded output.
func (t *depTracker) satisfied(st Subtask) bool {
	for _, dep := range st.DependsOn {
		if _, ok := t.outputs[dep]; !ok {
			return false
		}
	}
	return true
}

// recordOutput stores a completed output and releases every pending
// subtask whose full depends_on list now has recorded outputs. Released
// subtasks carry the injected context block.
func (t *depTracker) recordOutput(subtaskID, output string) []Subtask {
	t.outputs[subtaskID] = output

	var released []Subtask
	remaining := t.pendingOrder[:0]
	for _, id := range t.pendingOrder {
		st := t.pending[id]
		if !t.satisfied(st) {
			remaining = append(remaining, id)
			continue
		}
		delete(t.pending, id)
		st.Input = t.buildContextInput(st)
		released = append(released, st)
	}
	t.pendingOrder = remaining
	return released
}

// buildContextInput prefixes a released subtask's input with the
// canonical context block: the header, one result line per dependency
// in declaration order, then the task marker, then the original input.
func (t *depTracker) buildContextInput(st Subtask) string {
	var b strings.Builder
	b.WriteString("[Context from previous subtasks]\n")
	for i, dep := range st.DependsOn {
		fmt.Fprintf(&b, "Subtask %d result: %s\n", i+1, t.outputs[dep])
	}
	b.WriteString("\n[Your task]\n")
	b.WriteString(st.Input)
	return b.String()
}

// detectCycles runs a DFS reachability test over the submitted batch
// and returns the ids that can reach themselves (self-loops included).
// Edges to ids outside the batch are not cycles: those dependencies
// resolve whenever their outputs arrive.
func detectCycles(batch []Subtask) []string {
	inBatch := make(map[string][]string, len(batch))
	for _, st := range batch {
		inBatch[st.SubtaskID] = st.DependsOn
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(batch))
	onCycle := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		cyclic := false
		for _, dep := range inBatch[id] {
			if _, ok := inBatch[dep]; !ok {
				continue
			}
			switch color[dep] {
			case grey:
				onCycle[dep] = true
				cyclic = true
			case white:
				if visit(dep) {
					cyclic = true
				}
			}
		}
		color[id] = black
		if cyclic {
			onCycle[id] = true
		}
		return cyclic
	}

	for _, st := range batch {
		if color[st.SubtaskID] == white {
			visit(st.SubtaskID)
		}
	}

	if len(onCycle) == 0 {
		return nil
	}
	ids := make([]string, 0, len(onCycle))
	for id := range onCycle {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubmitBatch enqueues a decomposed submission atomically. Cyclic
// batches (including self-loops) are rejected with a CycleError and
// nothing is enqueued. Subtasks whose dependencies are already
// satisfied are enqueued immediately (with context injection when they
// declare dependencies); the rest park in the dependency tracker.
// Returns the subtasks that entered the queue now.
func (q *Queue) SubmitBatch(batch []Subtask, opts EnqueueOptions) ([]Subtask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range batch {
		if batch[i].SubtaskID == "" {
			batch[i].SubtaskID = fmt.Sprintf("%s-sub-%d", batch[i].TaskID, i)
		}
	}

	if ids := detectCycles(batch); ids != nil {
		return nil, &CycleError{SubtaskIDs: ids}
	}

	var entered []Subtask
	for _, st := range batch {
		if len(st.DependsOn) == 0 {
			entered = append(entered, q.enqueueLocked(st, opts))
			continue
		}
		if q.tracker.satisfied(st) {
			st.Input = q.tracker.buildContextInput(st)
			entered = append(entered, q.enqueueLocked(st, opts))
			continue
		}
		q.tracker.addPending(st)
	}
	return entered, nil
}
