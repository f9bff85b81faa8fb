package progression

// RecordOutcome describes what a single Record call did
type RecordOutcome int

const (
	// RecordIgnored means the reference is not in the group's pool
	RecordIgnored RecordOutcome = iota
	// RecordAlreadySatisfied means the group was satisfied before the call;
	// nothing was mutated
	RecordAlreadySatisfied
	// RecordCounted means a new distinct item was counted but the quota is
	// not yet met
	RecordCounted
	// RecordNewlySatisfied means this item took the group from unsatisfied
	// to satisfied
	RecordNewlySatisfied
)

func (o RecordOutcome) String() string {
	switch o {
	case RecordIgnored:
		return "ignored"
	case RecordAlreadySatisfied:
		return "already_satisfied"
	case RecordCounted:
		return "counted"
	case RecordNewlySatisfied:
		return "newly_satisfied"
	}
	return "unknown"
}

// Tracker tracks quota satisfaction for one program group during one level
// attempt. The quota is "k distinct items out of the pool": a quota of 1
// against a pool of 4 means any single one suffices; quota equal to pool
// size means every listed item is required.
type Tracker struct {
	quota    int
	pool     map[Handle]struct{}
	acquired map[Handle]struct{}
}

// NewTracker builds a tracker from a group's quota and interned pool.
// Content validation guarantees quota <= len(distinct pool) before a tracker
// is ever constructed.
func NewTracker(quota int, pool []Handle) *Tracker {
	t := &Tracker{
		quota:    quota,
		pool:     make(map[Handle]struct{}, len(pool)),
		acquired: make(map[Handle]struct{}, quota),
	}
	for _, h := range pool {
		t.pool[h] = struct{}{}
	}
	return t
}

// Reset clears all acquisitions for a fresh attempt
func (t *Tracker) Reset() {
	t.acquired = make(map[Handle]struct{}, t.quota)
}

// Record counts an acquired reference. Re-recording an already acquired
// handle never counts twice, and once the quota is met further calls do not
// mutate the tracker.
func (t *Tracker) Record(h Handle) RecordOutcome {
	if _, ok := t.pool[h]; !ok {
		return RecordIgnored
	}
	if t.Satisfied() {
		return RecordAlreadySatisfied
	}

	if _, ok := t.acquired[h]; !ok {
		t.acquired[h] = struct{}{}
		if t.Satisfied() {
			return RecordNewlySatisfied
		}
	}
	return RecordCounted
}

// Satisfied reports whether the quota has been met
func (t *Tracker) Satisfied() bool {
	return len(t.acquired) >= t.quota
}

// AcquiredCount returns the number of distinct items acquired so far
func (t *Tracker) AcquiredCount() int {
	return len(t.acquired)
}

// Acquired returns the acquired handles, for snapshotting
func (t *Tracker) Acquired() []Handle {
	out := make([]Handle, 0, len(t.acquired))
	for h := range t.acquired {
		out = append(out, h)
	}
	return out
}
