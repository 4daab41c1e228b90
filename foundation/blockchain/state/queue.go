package state

import (
	"context"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/filestore"
	"github.com/pkg/errors"
)

// syncQueue is the queue the sync manager fills. The queue only holds
// heights above the best block, so fork blocks at or below it are
// imported right away.
type syncQueue struct {
	*blockqueue.Queue
	state *State
}

// Add implements the chainsync.Queue interface.
func (q syncQueue) Add(block blockqueue.BlockWrapper) error {
	if block.Number() <= q.state.BestNumber() {
		_, err := q.state.ProcessBlock(block)
		return err
	}

	return q.Queue.Add(block)
}

// AddAll implements the chainsync.Queue interface.
func (q syncQueue) AddAll(blocks []blockqueue.BlockWrapper) error {
	best := q.state.BestNumber()

	var queued []blockqueue.BlockWrapper
	for _, block := range blocks {
		if block.Number() > best {
			queued = append(queued, block)
			continue
		}

		if _, err := q.state.ProcessBlock(block); err != nil {
			return err
		}
	}

	if len(queued) == 0 {
		return nil
	}

	return q.Queue.AddAll(queued)
}

// =============================================================================

// TakeBlock waits for the next queued block.
func (s *State) TakeBlock(ctx context.Context) (blockqueue.BlockWrapper, error) {
	return s.queue.Take(ctx)
}

// ProcessBlock imports a block received from a peer and follows up on the
// result. Imported announcements are relayed to the other peers, invalid
// blocks get their sender reported and blocks without a parent start the
// recovery of the missing history.
func (s *State) ProcessBlock(block blockqueue.BlockWrapper) (ImportResult, error) {
	result, err := s.ImportBlock(block.Block)
	if err != nil {
		return result, err
	}

	switch result {
	case ImportedBest, ImportedNotBest:
		if block.NewBlock {
			s.registry.OnNewForeignBlock(block.Block, block.Block.CumulativeDifficulty(), block.NodeID)
		}

	case InvalidBlock:
		s.manager.ReportBadAction(block.NodeID)

	case NoParent:
		block.ImportFailed(time.Now())
		if err := s.recoverGap(block); err != nil {
			return result, err
		}
	}

	return result, nil
}

// recoverGap deals with a block whose parent isn't stored. When the parent
// should be the next queued block it's made pending again with the block.
// Otherwise the block sits on a fork we don't know and it becomes the gap
// block the sync manager covers first.
func (s *State) recoverGap(block blockqueue.BlockWrapper) error {
	best := s.BestNumber()
	number := block.Number()

	s.evHandler("state: recoverGap: block[%s] best[%d] peer[%s]", block, best, block.NodeID)

	if number > best+1 {
		if _, err := s.queue.ReloadBlock(number); err != nil {
			return err
		}
		if _, err := s.queue.ReloadBlock(number - 1); err != nil {
			return err
		}

		next, ok, err := s.queue.Peek()
		if err != nil && !errors.Is(err, filestore.ErrNotFound) {
			return err
		}
		if err == nil && ok && next.Number() == number-1 && next.Hash() == block.Block.PrevHash() {
			return nil
		}

		s.evHandler("state: recoverGap: block[%s]: parent lost, rolling back queue to[%d]", block, best)
		if err := s.queue.RollbackTo(best); err != nil {
			return err
		}
	}

	s.manager.SetGapBlock(block)

	return nil
}

// EnqueueBlocks hands blocks to the import path the way sync does.
func (s *State) EnqueueBlocks(blocks []blockqueue.BlockWrapper) error {
	return syncQueue{Queue: s.queue, state: s}.AddAll(blocks)
}
