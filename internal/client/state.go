// Package client holds the per-recipient replication bookkeeping the
// snapshot system keeps for every connected peer: the outbound sequence
// counter, the last sequence received from that peer, the set of spawns it
// has acknowledged, and the log of spawns sent to it that may still be
// acknowledged.
package client

// SentSpawn records one spawn emission to a recipient so a later ack can be
// matched back to the (object, tick) it carried. The append into the log is
// unconditional, even for retransmissions, because every retransmission must
// be independently acknowledgeable.
type SentSpawn struct {
	Sequence uint64
	ObjectID uint64
	Tick     int32
}

// DefaultAckWindow bounds how many sequence numbers behind NextSequence a
// SentSpawn entry may fall before it is pruned, so memory does not grow
// without bound across a long-lived connection that stops acking. It is
// derived from a generous multiple of the spawn table capacity; callers
// tracking tighter RTT bounds may override it via Config.
const DefaultAckWindow = 100 * 4

// State is the per-client aggregate described in §3 of the replication
// spec: a sequence counter, the last sequence received from this peer, the
// set of spawns it has acknowledged per object, and the outstanding
// spawn-send log.
type State struct {
	NextSequence         uint16
	LastReceivedSequence uint16
	SpawnAck             map[uint64]int32
	SentSpawns           []SentSpawn

	ackWindow uint16
}

// New constructs an empty per-client state. ackWindow of 0 uses
// DefaultAckWindow.
func New(ackWindow uint16) *State {
	if ackWindow == 0 {
		ackWindow = DefaultAckWindow
	}
	return &State{
		SpawnAck:  make(map[uint64]int32),
		ackWindow: ackWindow,
	}
}

// RecordSentSpawn appends an unconditional log entry for a spawn emitted at
// the client's current NextSequence, then prunes entries that have fallen
// further behind NextSequence than ackWindow allows.
func (s *State) RecordSentSpawn(objectID uint64, tick int32) {
	if s == nil {
		return
	}
	s.SentSpawns = append(s.SentSpawns, SentSpawn{
		Sequence: uint64(s.NextSequence),
		ObjectID: objectID,
		Tick:     tick,
	})
	s.pruneSentSpawns()
}

// pruneSentSpawns drops entries whose sequence is more than ackWindow
// behind NextSequence. This only discards entries an ack could no longer
// plausibly reference; it never discards an entry that might still be
// acknowledged within the window.
func (s *State) pruneSentSpawns() {
	if len(s.SentSpawns) == 0 {
		return
	}
	kept := s.SentSpawns[:0]
	for _, entry := range s.SentSpawns {
		distance := s.NextSequence - uint16(entry.Sequence) // wraparound-safe: sequence rolls over mod 2^16
		if distance <= s.ackWindow {
			kept = append(kept, entry)
		}
	}
	s.SentSpawns = kept
}

// AdvanceSequence increments NextSequence exactly once per successfully
// composed outbound message for this client.
func (s *State) AdvanceSequence() {
	if s == nil {
		return
	}
	s.NextSequence++
}

// ObservedSequence records the sequence number carried by the most recently
// received message from this client.
func (s *State) ObservedSequence(seq uint16) {
	if s == nil {
		return
	}
	s.LastReceivedSequence = seq
}

// TakeSentSpawns returns every sent-spawn entry matching ackSequence, in
// the order they were recorded, removing them from the log.
func (s *State) TakeSentSpawns(ackSequence uint16) []SentSpawn {
	if s == nil || len(s.SentSpawns) == 0 {
		return nil
	}
	var matched []SentSpawn
	remaining := s.SentSpawns[:0]
	for _, entry := range s.SentSpawns {
		if entry.Sequence == uint64(ackSequence) {
			matched = append(matched, entry)
		} else {
			remaining = append(remaining, entry)
		}
	}
	s.SentSpawns = remaining
	return matched
}
