package chainstore

import (
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/pkg/errors"
)

// DelNonChainBlock deletes a block that isn't on the main chain. Main chain
// blocks and unknown hashes are left alone.
func (s *Store) DelNonChainBlock(hash database.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.delNonChainBlock(hash)
	return err
}

// DelNonChainBlocksEndWith deletes the fork branch ending with the block,
// following parent links until a main chain or unknown block is reached.
// Different branches may share a parent, so only use this on a branch known
// to be abandoned.
func (s *Store) DelNonChainBlocksEndWith(hash database.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		block, err := s.blockByHash(hash)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}

		deleted, err := s.delNonChainBlock(hash)
		if err != nil || !deleted {
			return err
		}

		hash = block.PrevHash()
	}
}

// DelNonChainBlocksByNumber deletes every block at the height except the
// main chain one.
func (s *Store) DelNonChainBlocksByNumber(number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, exists := s.levels[number]
	if !exists {
		return nil
	}

	kept := make([]BlockInfo, 0, 1)
	for _, info := range infos {
		if info.MainChain {
			kept = append(kept, info)
			continue
		}

		if err := s.deleteBlock(info.Hash); err != nil {
			return err
		}
	}

	s.evHandler("chainstore: DelNonChainBlocksByNumber: number[%d] deleted[%d]", number, len(infos)-len(kept))

	return s.writeLevel(number, kept)
}

// DelChainBlockByNumber deletes every block at the height, main chain
// included. The genesis height can't be deleted.
func (s *Store) DelChainBlockByNumber(number uint64) error {
	if number == 0 {
		return ErrGenesisDelete
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.delLevel(number)
}

// DelChainBlocksWithNumberLessThan deletes every height from number-1 down
// to 1. Genesis stays.
func (s *Store) DelChainBlocksWithNumberLessThan(number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int
	for n := number; n > 1; n-- {
		if _, exists := s.levels[n-1]; !exists {
			continue
		}

		if err := s.delLevel(n - 1); err != nil {
			return err
		}
		deleted++
	}

	s.evHandler("chainstore: DelChainBlocksWithNumberLessThan: number[%d] levels[%d]", number, deleted)

	return nil
}

// =============================================================================

// delNonChainBlock expects the write lock to be held. It reports whether
// the block was deleted.
func (s *Store) delNonChainBlock(hash database.Hash) (bool, error) {
	block, err := s.blockByHash(hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	number := block.Number()
	infos := s.levels[number]

	i := findInfo(infos, hash)
	if i < 0 || infos[i].MainChain {
		return false, nil
	}

	if err := s.deleteBlock(hash); err != nil {
		return false, err
	}

	infos = append(infos[:i:i], infos[i+1:]...)

	s.evHandler("chainstore: delNonChainBlock: block[%s]", block)

	return true, s.writeLevel(number, infos)
}

// delLevel expects the write lock to be held.
func (s *Store) delLevel(number uint64) error {
	for _, info := range s.levels[number] {
		if err := s.deleteBlock(info.Hash); err != nil {
			return err
		}
	}

	if err := s.writeLevel(number, nil); err != nil {
		return err
	}

	s.times.Remove(number)

	return nil
}

// deleteBlock expects the write lock to be held.
func (s *Store) deleteBlock(hash database.Hash) error {
	delete(s.blocksCache, hash)

	if err := s.kv.Delete(blockKey(hash)); err != nil {
		return errors.Wrapf(err, "deleting block %s", database.ShortHash(hash))
	}

	return nil
}

// writeLevel replaces the infos at a height in memory and in the backend.
// It expects the write lock to be held.
func (s *Store) writeLevel(number uint64, infos []BlockInfo) error {
	delete(s.dirtyLevels, number)

	if len(infos) == 0 {
		delete(s.levels, number)
		if number == s.max {
			s.recomputeMax()
		}

		if err := s.kv.Delete(levelKey(number)); err != nil {
			return errors.Wrapf(err, "deleting level %d", number)
		}
		return nil
	}

	s.levels[number] = infos

	data, err := encodeLevel(infos)
	if err != nil {
		return err
	}

	if err := s.kv.Put(levelKey(number), data); err != nil {
		return errors.Wrapf(err, "writing level %d", number)
	}

	return nil
}
