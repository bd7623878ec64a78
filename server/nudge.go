package main

import (
	"sync"
	"time"
)

// NudgeTally is the server's per-room nudge vote tally (C6): room ->
// target_uid -> voter_uid -> timestamp. A target's entire entry is cleared
// when the vote threshold is reached or the target's votes expire.
type NudgeTally struct {
	mu      sync.Mutex
	votes   map[string]map[uint32]map[uint32]time.Time
	cooldown time.Duration
}

// NewNudgeTally creates a tally using cooldown as the per-voter minimum
// interval between counted votes against the same target.
func NewNudgeTally(cooldown time.Duration) *NudgeTally {
	return &NudgeTally{
		votes:    make(map[string]map[uint32]map[uint32]time.Time),
		cooldown: cooldown,
	}
}

// Vote registers voterUID's vote against targetUID in room. It returns
// (triggered, accepted). accepted is false if the voter is within cooldown
// of their previous vote against this target (the vote is rejected, not
// counted). triggered is true if this vote brought the tally to
// max(1, roomSize-1) valid voters, in which case the tally for this target
// has already been cleared by the time Vote returns.
func (n *NudgeTally) Vote(room string, targetUID, voterUID uint32, roomSize int) (triggered, accepted bool) {
	now := time.Now()
	n.mu.Lock()
	defer n.mu.Unlock()

	targets, ok := n.votes[room]
	if !ok {
		targets = make(map[uint32]map[uint32]time.Time)
		n.votes[room] = targets
	}
	voters, ok := targets[targetUID]
	if !ok {
		voters = make(map[uint32]time.Time)
		targets[targetUID] = voters
	}

	if last, voted := voters[voterUID]; voted && now.Sub(last) < n.cooldown {
		return false, false
	}
	voters[voterUID] = now

	// Only votes within the cooldown window of "now" count toward the
	// threshold; older entries are stale and pruned here.
	valid := 0
	for uid, ts := range voters {
		if now.Sub(ts) >= n.cooldown {
			delete(voters, uid)
			continue
		}
		valid++
	}

	threshold := roomSize - 1
	if threshold < 1 {
		threshold = 1
	}
	if valid >= threshold {
		delete(targets, targetUID)
		if len(targets) == 0 {
			delete(n.votes, room)
		}
		return true, true
	}
	return false, true
}

// Clear removes all tallies for room (e.g. when it becomes empty).
func (n *NudgeTally) Clear(room string) {
	n.mu.Lock()
	delete(n.votes, room)
	n.mu.Unlock()
}
