// Package journal records undo actions for in-memory state so a failed
// transaction can be rolled back to its starting point.
package journal

// Journal is an ordered list of undo actions. The zero value is ready to use.
// A nil *Journal discards records, which is what replay paths want.
type Journal struct {
	undo []func()
}

// Record appends an undo action. Actions run in reverse order on revert.
func (j *Journal) Record(undo func()) {
	if j == nil || undo == nil {
		return
	}
	j.undo = append(j.undo, undo)
}

// Len returns the number of recorded actions; it doubles as a snapshot id.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.undo)
}

// RevertTo undoes every action recorded after snapshot n.
func (j *Journal) RevertTo(n int) {
	if j == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	for i := len(j.undo) - 1; i >= n; i-- {
		j.undo[i]()
		j.undo[i] = nil
	}
	if n < len(j.undo) {
		j.undo = j.undo[:n]
	}
}

// Reset forgets all recorded actions, committing the current state.
func (j *Journal) Reset() {
	if j == nil {
		return
	}
	for i := range j.undo {
		j.undo[i] = nil
	}
	j.undo = j.undo[:0]
}
