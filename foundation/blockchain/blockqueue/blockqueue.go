// Package blockqueue provides a durable FIFO of blocks waiting to be
// inserted into the chain. Blocks are kept in a file store of their own and
// the queue only tracks which numbers are still pending, so after a restart
// every stored block above the best chain height is pending again.
package blockqueue

import (
	"context"
	"sort"
	"sync"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/filestore"
	"github.com/pkg/errors"
)

// ErrClosed is returned when the queue is used after Close.
var ErrClosed = errors.New("blockqueue: queue closed")

// EventHandler defines a function that is called when events occur in the
// processing of the queue.
type EventHandler func(v string, args ...any)

// Config represents the settings for a queue. BestNumber reports the best
// height of the chain the queue feeds.
type Config struct {
	Dir                 string
	MaxBlockFileSize    uint32
	IndexEntriesPerFile uint32
	Codec               database.Codec
	Strict              bool
	BestNumber          func() uint64
	EvHandler           EventHandler
}

// Queue manages the blocks waiting for insertion.
type Queue struct {
	store      *filestore.Store[BlockWrapper]
	bestNumber func() uint64
	evHandler  EventHandler

	ready   chan struct{}
	initErr error

	mu      sync.Mutex
	cond    *sync.Cond
	pending *numberSet
	closed  bool
}

// Open opens the queue's store and starts loading the pending numbers in
// the background. Every other method waits for the load to finish.
func Open(cfg Config) (*Queue, error) {
	if cfg.BestNumber == nil {
		return nil, errors.New("blockqueue: best number function must be provided")
	}
	if cfg.Codec == nil {
		cfg.Codec = database.RLPCodec{}
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	store, err := filestore.Open(filestore.Config[BlockWrapper]{
		Dir:                 cfg.Dir,
		MaxBlockFileSize:    cfg.MaxBlockFileSize,
		IndexEntriesPerFile: cfg.IndexEntriesPerFile,
		Codec:               wrapperCodec{blocks: cfg.Codec},
		Strict:              cfg.Strict,
		EvHandler:           filestore.EventHandler(cfg.EvHandler),
	})
	if err != nil {
		return nil, err
	}

	q := Queue{
		store:      store,
		bestNumber: cfg.BestNumber,
		evHandler:  ev,
		ready:      make(chan struct{}),
		pending:    newNumberSet(1, 0),
	}
	q.cond = sync.NewCond(&q.mu)

	go func() {
		defer close(q.ready)

		q.mu.Lock()
		defer q.mu.Unlock()

		q.initErr = q.load()
	}()

	return &q, nil
}

// AwaitInit blocks until the pending numbers are loaded or the context is
// done.
func (q *Queue) AwaitInit(ctx context.Context) error {
	select {
	case <-q.ready:
		return q.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether the pending numbers finished loading.
func (q *Queue) IsReady() bool {
	select {
	case <-q.ready:
		return true
	default:
		return false
	}
}

// Close wakes any blocked Take and closes the store.
func (q *Queue) Close() error {
	<-q.ready

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	q.cond.Broadcast()

	return q.store.Close()
}

// Add queues a block unless its number is already pending.
func (q *Queue) Add(block BlockWrapper) error {
	if err := q.awaitInit(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	added, err := q.add(block)
	if err != nil {
		return err
	}

	if added {
		q.cond.Broadcast()
	}

	return nil
}

// AddAll queues the blocks in ascending number order, skipping numbers that
// are already pending.
func (q *Queue) AddAll(blocks []BlockWrapper) error {
	if err := q.awaitInit(); err != nil {
		return err
	}

	sorted := make([]BlockWrapper, len(blocks))
	copy(sorted, blocks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number() < sorted[j].Number() })

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	var first, last uint64
	var count int
	for _, block := range sorted {
		added, err := q.add(block)
		if err != nil {
			return err
		}

		if added {
			if count == 0 {
				first = block.Number()
			}
			last = block.Number()
			count++
		}
	}

	if count > 0 {
		q.evHandler("blockqueue: AddAll: added[%d] from[%d] to[%d]", count, first, last)
		q.cond.Broadcast()
	}

	return nil
}

// ReloadBlock makes a stored number pending again. It reports false when the
// number is already pending.
func (q *Queue) ReloadBlock(number uint64) (bool, error) {
	if err := q.awaitInit(); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}

	if !q.pending.add(number) {
		q.evHandler("blockqueue: ReloadBlock: number[%d]: already pending", number)
		return false, nil
	}

	q.evHandler("blockqueue: ReloadBlock: number[%d]", number)
	q.cond.Broadcast()

	return true, nil
}

// Poll removes and returns the lowest pending block. It reports false when
// nothing is pending.
func (q *Queue) Poll() (BlockWrapper, bool, error) {
	if err := q.awaitInit(); err != nil {
		return BlockWrapper{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return BlockWrapper{}, false, ErrClosed
	}

	return q.poll()
}

// Peek returns the lowest pending block without removing it.
func (q *Queue) Peek() (BlockWrapper, bool, error) {
	if err := q.awaitInit(); err != nil {
		return BlockWrapper{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return BlockWrapper{}, false, ErrClosed
	}

	number, ok := q.pending.peek()
	if !ok {
		return BlockWrapper{}, false, nil
	}

	block, err := q.store.Get(number)
	if err != nil {
		return BlockWrapper{}, false, err
	}

	return block, true, nil
}

// Take removes and returns the lowest pending block, waiting for one to be
// queued when nothing is pending.
func (q *Queue) Take(ctx context.Context) (BlockWrapper, error) {
	if err := q.AwaitInit(ctx); err != nil {
		return BlockWrapper{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return BlockWrapper{}, ErrClosed
		}

		block, ok, err := q.poll()
		if err != nil {
			return BlockWrapper{}, err
		}
		if ok {
			return block, nil
		}

		if err := ctx.Err(); err != nil {
			return BlockWrapper{}, err
		}

		q.cond.Wait()
	}
}

// Size returns the number of pending blocks.
func (q *Queue) Size() int {
	if q.awaitInit() != nil {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pending.size()
}

// IsEmpty reports whether nothing is pending.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Numbers returns the pending numbers in ascending order.
func (q *Queue) Numbers() []uint64 {
	if q.awaitInit() != nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pending.list()
}

// Clear forgets every pending number. The stored blocks stay on disk.
func (q *Queue) Clear() {
	if q.awaitInit() != nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending.clear()
}

// MaxBlockNumber returns the highest pending number. It reports false when
// nothing is pending.
func (q *Queue) MaxBlockNumber() (uint64, bool) {
	if q.awaitInit() != nil {
		return 0, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pending.max()
}

// FilterExistingNumbers returns the numbers that aren't pending.
func (q *Queue) FilterExistingNumbers(numbers []uint64) []uint64 {
	if q.awaitInit() != nil {
		return numbers
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var filtered []uint64
	for _, number := range numbers {
		if !q.pending.contains(number) {
			filtered = append(filtered, number)
		}
	}

	return filtered
}

// FilterExistingHeaders returns the headers whose block isn't pending.
func (q *Queue) FilterExistingHeaders(headers []database.Header) []database.Header {
	if q.awaitInit() != nil {
		return headers
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var filtered []database.Header
	for _, header := range headers {
		if !q.isPending(header.Number, header.Hash()) {
			filtered = append(filtered, header)
		}
	}

	return filtered
}

// IsBlockExist reports whether the block with the number and hash is
// pending.
func (q *Queue) IsBlockExist(number uint64, hash database.Hash) bool {
	if q.awaitInit() != nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.isPending(number, hash)
}

// Drop discards the blocks a misbehaving node supplied. Only the first
// scanLimit pending blocks are checked. The store can't replace a stored
// block, so the queue is rolled back to just below the lowest dropped block
// and everything above it has to be fetched again.
func (q *Queue) Drop(nodeID string, scanLimit int) error {
	if err := q.awaitInit(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	numbers := q.pending.list()
	if len(numbers) > scanLimit {
		numbers = numbers[:scanLimit]
	}

	for _, number := range numbers {
		block, err := q.store.Get(number)
		if err != nil {
			return err
		}

		if block.NodeID != nodeID {
			continue
		}

		q.evHandler("blockqueue: Drop: node[%s] from[%d]", nodeID, number)
		return q.rollbackTo(number - 1)
	}

	return nil
}

// RollbackTo drops every stored block above the number and reloads the
// pending numbers.
func (q *Queue) RollbackTo(number uint64) error {
	if err := q.awaitInit(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	return q.rollbackTo(number)
}

// =============================================================================

func (q *Queue) awaitInit() error {
	<-q.ready
	return q.initErr
}

// load rebuilds the pending numbers from the best chain height and the
// stored blocks. When the stored range can't continue the chain the store
// is restarted right above the best height. The lock must be held.
func (q *Queue) load() error {
	best := q.bestNumber()
	start := q.store.StartNumber()
	max := q.store.MaxNumber()

	if start > best+1 || max <= best {
		if start != best+1 || max >= start {
			q.evHandler("blockqueue: load: restarting store at[%d] start[%d] max[%d]", best+1, start, max)
			if err := q.store.SetStartNumber(best + 1); err != nil {
				return err
			}
		}
		max = best
	}

	q.pending = newNumberSet(best+1, max)
	q.evHandler("blockqueue: load: best[%d] max[%d] pending[%d]", best, max, q.pending.size())

	return nil
}

// add expects the lock to be held.
func (q *Queue) add(block BlockWrapper) (bool, error) {
	number := block.Number()
	if q.pending.contains(number) {
		return false, nil
	}

	if number < q.store.StartNumber() {
		q.evHandler("blockqueue: add: number[%d] start[%d]: below the queue", number, q.store.StartNumber())
		return false, nil
	}

	if _, err := q.store.Put(block); err != nil {
		return false, err
	}

	q.pending.add(number)

	return true, nil
}

// poll expects the lock to be held. A pending number whose block can't be
// found is dropped so it can't block the queue.
func (q *Queue) poll() (BlockWrapper, bool, error) {
	for {
		number, ok := q.pending.peek()
		if !ok {
			return BlockWrapper{}, false, nil
		}

		block, err := q.store.Get(number)
		if err != nil {
			if errors.Is(err, filestore.ErrNotFound) {
				q.evHandler("blockqueue: poll: number[%d]: ERROR: %s", number, err)
				q.pending.poll()
				continue
			}
			return BlockWrapper{}, false, err
		}

		q.pending.poll()

		return block, true, nil
	}
}

// isPending expects the lock to be held.
func (q *Queue) isPending(number uint64, hash database.Hash) bool {
	if !q.pending.contains(number) {
		return false
	}

	block, err := q.store.Get(number)
	if err != nil {
		return false
	}

	return block.Hash() == hash
}

// rollbackTo expects the lock to be held.
func (q *Queue) rollbackTo(number uint64) error {
	q.evHandler("blockqueue: RollbackTo: number[%d]", number)

	start := q.store.StartNumber()
	if number+1 < start {
		number = start - 1
	}

	if max := q.store.MaxNumber(); number < max {
		if err := q.store.RollbackTo(number); err != nil {
			return err
		}
	}

	return q.load()
}
