package chainsync

// State is where a peer handler is in the sync cycle.
type State int

// Set of sync states.
const (
	Idle State = iota
	HashRetrieving
	DoneHashRetrieving
	BlockRetrieving
	BlocksLack
)

var stateNames = [...]string{
	Idle:               "IDLE",
	HashRetrieving:     "HASH_RETRIEVING",
	DoneHashRetrieving: "DONE_HASH_RETRIEVING",
	BlockRetrieving:    "BLOCK_RETRIEVING",
	BlocksLack:         "BLOCKS_LACK",
}

// String implements the Stringer interface.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}

	return stateNames[s]
}
