package chainstore

import (
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/pkg/errors"
)

// ForkBlocksInfo walks back from the best block and from the fork block
// until both lines meet. It returns the main chain blocks to undo and the
// fork blocks to adopt, both ordered from the highest height down. When the
// fork line runs out of known blocks before the lines meet, ErrNoCommonAncestor
// is returned and the caller needs more ancestors from the network.
func (s *Store) ForkBlocksInfo(fork database.BlockRecord) (undo []database.BlockRecord, adopt []database.BlockRecord, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best, err := s.bestBlock()
	if err != nil {
		return nil, nil, err
	}

	parent := func(block database.BlockRecord) (database.BlockRecord, error) {
		if block.Number() == 0 {
			return database.BlockRecord{}, errors.Wrapf(ErrNoCommonAncestor, "walked past genesis from %s", block)
		}

		prev, err := s.blockByHash(block.PrevHash())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return database.BlockRecord{}, errors.Wrapf(ErrNoCommonAncestor, "parent of %s", block)
			}
			return database.BlockRecord{}, err
		}

		return prev, nil
	}

	// Bring both lines to the same height.
	forkLine := fork
	for forkLine.Number() > best.Number() {
		adopt = append(adopt, forkLine)
		if forkLine, err = parent(forkLine); err != nil {
			return nil, nil, err
		}
	}

	bestLine := best
	for bestLine.Number() > forkLine.Number() {
		undo = append(undo, bestLine)
		if bestLine, err = parent(bestLine); err != nil {
			return nil, nil, err
		}
	}

	// Step both lines back together until they meet.
	for bestLine.Hash() != forkLine.Hash() {
		adopt = append(adopt, forkLine)
		undo = append(undo, bestLine)

		if forkLine, err = parent(forkLine); err != nil {
			return nil, nil, err
		}
		if bestLine, err = parent(bestLine); err != nil {
			return nil, nil, err
		}
	}

	s.evHandler("chainstore: ForkBlocksInfo: fork[%s] best[%s] ancestor[%s] undo[%d] adopt[%d]", fork, best, bestLine, len(undo), len(adopt))

	return undo, adopt, nil
}

// ReBranchBlocks moves the main chain flag off the undone blocks and onto
// the adopted ones, keeping a single main chain block per height. The block
// time cache follows the new main chain.
func (s *Store) ReBranchBlocks(undo []database.BlockRecord, adopt []database.BlockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, block := range undo {
		infos := s.levels[block.Number()]
		if i := findInfo(infos, block.Hash()); i >= 0 {
			infos[i].MainChain = false
			s.dirtyLevels[block.Number()] = struct{}{}
		}

		s.times.Remove(block.Number())
	}

	for _, block := range adopt {
		infos := s.levels[block.Number()]
		i := findInfo(infos, block.Hash())
		if i < 0 {
			continue
		}

		for j := range infos {
			infos[j].MainChain = j == i
		}
		s.dirtyLevels[block.Number()] = struct{}{}

		s.times.Add(block.Number(), block.Header.TimeStamp)
	}

	s.evHandler("chainstore: ReBranchBlocks: undo[%d] adopt[%d]", len(undo), len(adopt))
}
