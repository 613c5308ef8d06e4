package memory

import "sync"

// window is the revert window of one market operation. The outermost Snapshot
// opens it and Finalise closes it. Setup writes wait for it to close so a
// rollback never undoes them.
//
// Nested Snapshots from the running operation pass straight through, so only one
// operation may drive a ledger's Snapshot/Finalise at a time.
type window struct {
	gate sync.Mutex
	mu   sync.Mutex
	open bool
}

func (w *window) begin() {
	w.mu.Lock()
	open := w.open
	w.mu.Unlock()
	if open {
		return
	}

	w.gate.Lock()
	w.mu.Lock()
	w.open = true
	w.mu.Unlock()
}

func (w *window) end() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.open {
		w.open = false
		w.gate.Unlock()
	}
}

// outside blocks until no operation is open and keeps one from opening until release is called
func (w *window) outside() (release func()) {
	w.gate.Lock()
	return w.gate.Unlock
}
