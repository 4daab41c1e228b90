package state

import (
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/pkg/errors"
)

// ImportResult tells how a block was received by the chain.
type ImportResult int

// Set of import results.
const (
	ImportedBest ImportResult = iota
	ImportedNotBest
	Exist
	NoParent
	InvalidBlock
)

var importResultNames = map[ImportResult]string{
	ImportedBest:    "IMPORTED_BEST",
	ImportedNotBest: "IMPORTED_NOT_BEST",
	Exist:           "EXIST",
	NoParent:        "NO_PARENT",
	InvalidBlock:    "INVALID_BLOCK",
}

// String implements the Stringer interface.
func (r ImportResult) String() string {
	return importResultNames[r]
}

// IsSuccessful reports whether the block is now stored.
func (r ImportResult) IsSuccessful() bool {
	return r == ImportedBest || r == ImportedNotBest
}

// =============================================================================

// ImportBlock links the block to its parent. A block extending the best
// block becomes the new best block. A block on a fork that ends up heavier
// than the main chain switches the main chain over to the fork. Any other
// valid block is kept off the main chain.
func (s *State) ImportBlock(block database.BlockRecord) (ImportResult, error) {
	s.importMu.Lock()
	defer s.importMu.Unlock()

	hash := block.Hash()

	if s.chain.IsBlockExist(hash) {
		return Exist, nil
	}

	parent, err := s.chain.BlockByHash(block.PrevHash())
	if err != nil {
		if errors.Is(err, chainstore.ErrNotFound) {
			s.evHandler("state: ImportBlock: block[%s]: parent[%s] not found", block, database.ShortHash(block.PrevHash()))
			return NoParent, nil
		}
		return 0, err
	}

	if err := s.validate(parent, block); err != nil {
		s.evHandler("state: ImportBlock: block[%s]: invalid: %s", block, err)
		return InvalidBlock, nil
	}

	best, err := s.chain.BestBlock()
	if err != nil {
		return 0, err
	}

	td := block.CumulativeDifficulty()
	result := ImportedNotBest

	switch {
	case best.Hash() == parent.Hash():
		s.chain.SaveBlock(block, td, true)
		result = ImportedBest

	case td.Cmp(s.chain.TotalDifficulty()) > 0:
		s.chain.SaveBlock(block, td, false)
		if err := s.rebranch(block); err != nil {
			return 0, err
		}
		result = ImportedBest

	default:
		s.chain.SaveBlock(block, td, false)
	}

	if err := s.chain.Flush(); err != nil {
		return 0, err
	}

	s.imported.Add(1)
	if result == ImportedBest {
		s.pruneForks(block.Number())
	}

	s.evHandler("state: ImportBlock: block[%s] td[%s]: %s", block, td, result)

	return result, nil
}

// validate checks the block links to its parent and carries more work than
// it before the consensus rules are applied.
func (s *State) validate(parent database.BlockRecord, block database.BlockRecord) error {
	if block.Number() != parent.Number()+1 {
		return errors.Errorf("number %d doesn't follow parent %d", block.Number(), parent.Number())
	}

	parentTD := s.chain.TotalDifficultyForHash(parent.Hash())
	if block.CumulativeDifficulty().Cmp(parentTD) <= 0 {
		return errors.Errorf("difficulty %s not above parent %s", block.CumulativeDifficulty(), parentTD)
	}

	if block.Header.TimeStamp < parent.Header.TimeStamp {
		return errors.Errorf("timestamp %d before parent %d", block.Header.TimeStamp, parent.Header.TimeStamp)
	}

	if s.validator != nil {
		return s.validator.ValidateBlock(parent, block)
	}

	return nil
}

// rebranch moves the main chain onto the fork ending with the block.
func (s *State) rebranch(block database.BlockRecord) error {
	undo, adopt, err := s.chain.ForkBlocksInfo(block)
	if err != nil {
		return err
	}

	s.chain.ReBranchBlocks(undo, adopt)
	s.reorgs.Add(1)

	s.evHandler("state: rebranch: block[%s]: undone[%d] adopted[%d]", block, len(undo), len(adopt))

	return nil
}

// pruneForks drops the fork blocks that fell out of the mutable range
// behind the best block.
func (s *State) pruneForks(number uint64) {
	if s.mutableRange == 0 || number <= s.mutableRange {
		return
	}

	if err := s.chain.DelNonChainBlocksByNumber(number - s.mutableRange); err != nil {
		s.evHandler("state: pruneForks: number[%d]: ERROR: %s", number-s.mutableRange, err)
	}
}
