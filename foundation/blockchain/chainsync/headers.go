package chainsync

import (
	"sync"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
)

// HeaderQueue holds the headers whose bodies still need to be downloaded.
// It's shared by every peer handler: a handler polls a batch, asks its peer
// for the bodies and returns whatever the peer didn't deliver.
type HeaderQueue struct {
	mu      sync.Mutex
	headers []database.Header
	known   map[database.Hash]struct{}
}

// NewHeaderQueue constructs an empty queue.
func NewHeaderQueue() *HeaderQueue {
	return &HeaderQueue{
		known: make(map[database.Hash]struct{}),
	}
}

// Add appends the headers that aren't already queued and returns them.
func (hq *HeaderQueue) Add(headers []database.Header) []database.Header {
	hq.mu.Lock()
	defer hq.mu.Unlock()

	var added []database.Header
	for _, header := range headers {
		hash := header.Hash()
		if _, exists := hq.known[hash]; exists {
			continue
		}

		hq.known[hash] = struct{}{}
		hq.headers = append(hq.headers, header)
		added = append(added, header)
	}

	return added
}

// Return puts headers taken by Poll back at the front of the queue so they
// are the next ones handed out.
func (hq *HeaderQueue) Return(headers []database.Header) {
	if len(headers) == 0 {
		return
	}

	hq.mu.Lock()
	defer hq.mu.Unlock()

	front := make([]database.Header, 0, len(headers))
	for _, header := range headers {
		hash := header.Hash()
		if _, exists := hq.known[hash]; exists {
			continue
		}

		hq.known[hash] = struct{}{}
		front = append(front, header)
	}

	hq.headers = append(front, hq.headers...)
}

// Poll removes and returns up to limit headers from the front of the queue.
func (hq *HeaderQueue) Poll(limit int) []database.Header {
	hq.mu.Lock()
	defer hq.mu.Unlock()

	if limit <= 0 || len(hq.headers) == 0 {
		return nil
	}

	n := min(limit, len(hq.headers))

	batch := make([]database.Header, n)
	copy(batch, hq.headers[:n])
	hq.headers = hq.headers[n:]

	for _, header := range batch {
		delete(hq.known, header.Hash())
	}

	return batch
}

// Size returns the number of queued headers.
func (hq *HeaderQueue) Size() int {
	hq.mu.Lock()
	defer hq.mu.Unlock()

	return len(hq.headers)
}

// IsEmpty reports whether nothing is queued.
func (hq *HeaderQueue) IsEmpty() bool {
	return hq.Size() == 0
}

// Clear drops every queued header.
func (hq *HeaderQueue) Clear() {
	hq.mu.Lock()
	defer hq.mu.Unlock()

	hq.headers = nil
	clear(hq.known)
}

// =============================================================================

// FillHeaderNumbers numbers the headers from the range they were requested
// for, counting down when start is above last. Peers aren't trusted to
// report the numbers themselves.
func FillHeaderNumbers(headers []database.Header, start uint64, last uint64) {
	number := start
	for i := range headers {
		headers[i].Number = number

		switch {
		case start <= last:
			number++
		case number > 0:
			number--
		}
	}
}
