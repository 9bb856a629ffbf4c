package reconcile

import (
	"go.uber.org/zap"

	"github.com/joescharf/rota/internal/models"
)

// Token marks the point at which a snapshot was requested.
type Token struct {
	seq uint64
}

// Seq returns the sequence number the token was issued at.
func (t Token) Seq() uint64 { return t.seq }

// SnapshotResult reports how a snapshot merged.
type SnapshotResult struct {
	Rows       int `json:"rows"`
	Overridden int `json:"overridden"`
	Removed    int `json:"removed"`
}

// BeginSnapshot issues a token. Call it before the REST request goes out and
// pass it to the matching Apply*Snapshot.
func (r *Reconciler) BeginSnapshot() Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Token{seq: r.nextLocked()}
}

// ApplyShiftSnapshot merges a shift snapshot issued at tok.
func (r *Reconciler) ApplyShiftSnapshot(tok Token, shifts []models.Shift) SnapshotResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := applySnapshot(r.shifts, r.policy, tok, shifts)
	r.logSnapshot("shifts", res)
	return res
}

// ApplyTaskSnapshot merges a task snapshot issued at tok.
func (r *Reconciler) ApplyTaskSnapshot(tok Token, tasks []models.AgentTask) SnapshotResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := applySnapshot(r.tasks, r.policy, tok, tasks)
	r.logSnapshot("tasks", res)
	return res
}

// ApplyChatSnapshot replaces the chat log with msgs (oldest first). Under
// PolicyLastSequence, messages received after tok are kept after the snapshot;
// a message present in both appears twice, as with a redelivery.
func (r *Reconciler) ApplyChatSnapshot(tok Token, msgs []models.ChatMessage) SnapshotResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := make([]chatEntry, 0, len(msgs)+len(r.chat))
	for _, m := range msgs {
		log = append(log, chatEntry{msg: m, seq: tok.seq})
	}
	res := SnapshotResult{Rows: len(msgs)}
	for _, e := range r.chat {
		if r.policy == PolicyLastSequence && e.seq > tok.seq {
			log = append(log, e)
			res.Overridden++
			continue
		}
		res.Removed++
	}
	r.chat = log
	r.logSnapshot("chat", res)
	return res
}

func applySnapshot[T Entity](c *collection[T], p Policy, tok Token, items []T) SnapshotResult {
	res := SnapshotResult{Rows: len(items)}
	if p == PolicyLastArrival {
		res.Removed = len(c.rows)
		c.replace(items, tok.seq)
		return res
	}
	res.Overridden, res.Removed = c.merge(items, tok.seq)
	return res
}

func (r *Reconciler) logSnapshot(name string, res SnapshotResult) {
	if res.Overridden > 0 {
		r.logger.Info("snapshot raced newer events",
			zap.String("collection", name), zap.Int("overridden", res.Overridden))
	}
	r.logger.Debug("snapshot applied",
		zap.String("collection", name), zap.Int("rows", res.Rows), zap.Int("removed", res.Removed))
}
