package session

// GlareOutcome is the decision taken when two peers dial each other at the
// same time and one of the two outstanding offers has to yield.
type GlareOutcome int

const (
	// LocalWins: keep waiting on our own offer and reject the incoming one.
	LocalWins GlareOutcome = iota
	// RemoteWins: silently abandon our dial and answer the incoming offer.
	RemoteWins
)

// ResolveGlare picks the surviving offer deterministically from the two peer
// ids alone: the lexicographically smaller id keeps its offer. Both peers
// evaluate the same pair, so they always agree without a coordination
// round-trip. Ids are relay-assigned and unique, so equality cannot occur.
func ResolveGlare(localID, remoteID string) GlareOutcome {
	if localID < remoteID {
		return LocalWins
	}
	return RemoteWins
}
