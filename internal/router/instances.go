package router

import (
	"sync"
	"time"
)

// Instance statuses (§4.3). An Instance starts running, becomes suspended
// when its owning Agent drops (bus and history survive), and is stopped and
// purged if the Agent doesn't return within the retention window.
const (
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusClosed    = "closed"
)

// Instance is the in-memory record of one PTY-hosted session. Durable rows
// in internal/store back admin listings and the retention sweep; this is
// the live view the Session Router dispatches commands against.
type Instance struct {
	ID        string
	AgentID   string
	CWD       string
	Status    string
	CreatedAt time.Time

	nextSeq      int64
	historyBytes int64
	suspendedAt  time.Time
}

// instanceRegistry holds the only strong *Instance pointers in the process
// (§9's cyclic-ownership note): Agent connections and user sessions refer to
// instances only by id, resolving back through the registry on each use.
type instanceRegistry struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

func newInstanceRegistry() *instanceRegistry {
	return &instanceRegistry{instances: make(map[string]*Instance)}
}

func (r *instanceRegistry) add(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst
}

func (r *instanceRegistry) get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

func (r *instanceRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
}

func (r *instanceRegistry) setStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		inst.Status = status
		if status == StatusSuspended {
			inst.suspendedAt = time.Now().UTC()
		}
	}
}

// staleSuspended returns every instance suspended for longer than before,
// for the retention sweep's stop-and-purge pass (§4.5).
func (r *instanceRegistry) staleSuspended(before time.Time) []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.Status == StatusSuspended && !inst.suspendedAt.IsZero() && inst.suspendedAt.Before(before) {
			out = append(out, inst)
		}
	}
	return out
}

func (r *instanceRegistry) listByAgent(agentID string) []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.AgentID == agentID {
			out = append(out, inst)
		}
	}
	return out
}

func (r *instanceRegistry) list() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// nextSequence assigns the next monotonic sequence number for a History
// Chunk of this instance (§5: "monotonic sequence numbers are assigned by
// the Server on ingress"). Returns 0, unassignable, if the instance is
// unknown — callers still append; a closed/purged instance just won't be
// visible at replay time.
func (r *instanceRegistry) nextSequence(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return 0
	}
	seq := inst.nextSeq
	inst.nextSeq++
	return seq
}

func (r *instanceRegistry) count() (total, running int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.instances)
	for _, inst := range r.instances {
		if inst.Status == StatusRunning {
			running++
		}
	}
	return total, running
}

// addBytes accounts freshly-appended History Chunk bytes against an
// instance, for the admin-stats total.
func (r *instanceRegistry) addBytes(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		inst.historyBytes += int64(n)
	}
}

func (r *instanceRegistry) totalHistoryBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, inst := range r.instances {
		total += inst.historyBytes
	}
	return total
}
