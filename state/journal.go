package state

import (
	"fmt"
	"sort"
)

type revision struct {
	id           int
	journalIndex int
}

// Journal is an undo log. Every mutation appends a function that reverts it;
// RevertToSnapshot runs them newest first back to the snapshot point.
type Journal struct {
	entries        []func()
	validRevisions []revision
	nextRevisionID int
}

// NewJournal creates an empty journal
func NewJournal() *Journal {
	return &Journal{}
}

// Append records an undo function for a mutation that has just been applied
func (j *Journal) Append(undo func()) {
	j.entries = append(j.entries, undo)
}

// Length returns the number of recorded entries
func (j *Journal) Length() int {
	return len(j.entries)
}

// Snapshot returns an identifier for the current revision
func (j *Journal) Snapshot() int {
	id := j.nextRevisionID
	j.nextRevisionID++
	j.validRevisions = append(j.validRevisions, revision{id, len(j.entries)})
	return id
}

// RevertToSnapshot undoes every entry recorded after the snapshot was taken
func (j *Journal) RevertToSnapshot(revid int) {
	idx := sort.Search(len(j.validRevisions), func(i int) bool {
		return j.validRevisions[i].id >= revid
	})
	if idx == len(j.validRevisions) || j.validRevisions[idx].id != revid {
		panic(fmt.Errorf("revision id %v cannot be reverted", revid))
	}
	snapshot := j.validRevisions[idx].journalIndex

	for i := len(j.entries) - 1; i >= snapshot; i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	j.entries = j.entries[:snapshot]
	j.validRevisions = j.validRevisions[:idx]
}

// Reset drops all entries and revisions once the changes are final
func (j *Journal) Reset() {
	j.entries = nil
	j.validRevisions = nil
}
