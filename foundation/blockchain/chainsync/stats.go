package chainsync

import "time"

// EmptyHashesGotTimeout is how long a peer that answered a header request
// with nothing is left alone before it's asked for headers again.
const EmptyHashesGotTimeout = 30 * time.Second

// Statistics tracks the sync progress made with one peer.
type Statistics struct {
	updatedAt        time.Time
	blocksCount      int
	hashesCount      int
	emptyResponses   int
	emptyHashesGotAt time.Time
}

// Reset clears the counters but keeps the empty header cooldown.
func (st *Statistics) Reset(now time.Time) {
	st.updatedAt = now
	st.blocksCount = 0
	st.hashesCount = 0
	st.emptyResponses = 0
}

// AddBlocks counts received blocks.
func (st *Statistics) AddBlocks(now time.Time, count int) {
	st.blocksCount += count
	st.fix(now, count)
}

// AddHashes counts received headers.
func (st *Statistics) AddHashes(now time.Time, count int) {
	st.hashesCount += count
	st.fix(now, count)
}

func (st *Statistics) fix(now time.Time, count int) {
	if count == 0 {
		st.emptyResponses++
	}
	st.updatedAt = now
}

// BlocksCount returns the number of blocks received since the last reset.
func (st *Statistics) BlocksCount() int {
	return st.blocksCount
}

// HashesCount returns the number of headers received since the last reset.
func (st *Statistics) HashesCount() int {
	return st.hashesCount
}

// EmptyResponses returns the number of empty responses since the last reset.
func (st *Statistics) EmptyResponses() int {
	return st.emptyResponses
}

// SinceLastUpdate returns how long ago the peer last answered.
func (st *Statistics) SinceLastUpdate(now time.Time) time.Duration {
	return now.Sub(st.updatedAt)
}

// SetEmptyHashesGot starts the cooldown after an empty header response.
func (st *Statistics) SetEmptyHashesGot(now time.Time) {
	st.emptyHashesGotAt = now
}

// SetHashesGot clears the cooldown.
func (st *Statistics) SetHashesGot() {
	st.emptyHashesGotAt = time.Time{}
}

// IsEmptyHashesGotTimeout reports whether the cooldown is over or was never
// started.
func (st *Statistics) IsEmptyHashesGotTimeout(now time.Time) bool {
	return st.emptyHashesGotAt.IsZero() || now.Sub(st.emptyHashesGotAt) >= EmptyHashesGotTimeout
}

// SinceLastEmptyHashes returns how long ago the last empty header response
// came in.
func (st *Statistics) SinceLastEmptyHashes(now time.Time) time.Duration {
	if st.emptyHashesGotAt.IsZero() {
		return 0
	}

	return now.Sub(st.emptyHashesGotAt)
}
