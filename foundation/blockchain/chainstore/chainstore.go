// Package chainstore keeps track of every block known per height, the main
// chain among them and the cumulative difficulty of each, and applies the
// reorganizations that switch the main chain to a heavier fork.
//
// New blocks are held in write-back caches until Flush commits them to the
// key value backend. Pruning writes through to the backend immediately.
package chainstore

import (
	"math/big"
	"sync"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/pkg/errors"
)

// Set of error variables for the store.
var (
	ErrNotFound          = errors.New("chainstore: not found")
	ErrGenesisDelete     = errors.New("chainstore: genesis block can't be deleted")
	ErrNoCommonAncestor  = errors.New("chainstore: fork doesn't connect to known history")
	ErrCorrupted         = errors.New("chainstore: index inconsistent with blocks")
	ErrMainChainConflict = errors.New("chainstore: more than one main chain block at height")
)

// DefaultTimeCacheSize is the number of recent block times kept in memory.
const DefaultTimeCacheSize = 288

// EventHandler defines a function that is called when events occur in the
// processing of the store.
type EventHandler func(v string, args ...any)

// Config represents the settings for a store.
type Config struct {
	KV            kvstore.KV
	Codec         database.Codec
	Strict        bool
	TimeCacheSize int
	EvHandler     EventHandler
}

// Store manages the index of known blocks.
type Store struct {
	mu sync.RWMutex

	kv        kvstore.KV
	codec     database.Codec
	strict    bool
	evHandler EventHandler

	levels map[uint64][]BlockInfo
	max    uint64
	empty  bool

	// Write-back caches committed by Flush.
	blocksCache map[database.Hash]database.BlockRecord
	dirtyLevels map[uint64]struct{}

	times *lru.Cache[uint64, uint64]
}

// Open constructs a store over the backend and loads the index kept there.
func Open(cfg Config) (*Store, error) {
	if cfg.KV == nil {
		return nil, errors.New("chainstore: backend must be provided")
	}
	if cfg.Codec == nil {
		cfg.Codec = database.RLPCodec{}
	}
	if cfg.TimeCacheSize <= 0 {
		cfg.TimeCacheSize = DefaultTimeCacheSize
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	s := Store{
		kv:          cfg.KV,
		codec:       cfg.Codec,
		strict:      cfg.Strict,
		evHandler:   ev,
		levels:      make(map[uint64][]BlockInfo),
		empty:       true,
		blocksCache: make(map[database.Hash]database.BlockRecord),
		dirtyLevels: make(map[uint64]struct{}),
		times:       lru.NewCache[uint64, uint64](cfg.TimeCacheSize),
	}

	if err := s.Load(); err != nil {
		return nil, err
	}

	return &s, nil
}

// Close commits the caches and closes the backend.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		s.kv.Close()
		return err
	}

	return s.kv.Close()
}

// Load rebuilds the in-memory index from the backend and checks it against
// the stored blocks.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.kv.Keys()
	if err != nil {
		return errors.Wrap(err, "listing keys")
	}

	clear(s.levels)
	s.empty = true

	for _, key := range keys {
		number, ok := parseLevelKey(key)
		if !ok {
			continue
		}

		data, err := s.kv.Get(key)
		if err != nil {
			return errors.Wrapf(err, "reading level %d", number)
		}

		infos, err := decodeLevel(data)
		if err != nil {
			return errors.Wrapf(err, "level %d", number)
		}

		if len(infos) > 0 {
			s.levels[number] = infos
			s.trackMax(number)
		}
	}

	s.evHandler("chainstore: Load: levels[%d] max[%d]", len(s.levels), s.max)

	return s.checkSanity()
}

// Reset deletes every block and level from the backend and the caches.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.kv.Keys()
	if err != nil {
		return errors.Wrap(err, "listing keys")
	}

	batch := make(map[string][]byte, len(keys))
	for _, key := range keys {
		batch[string(key)] = nil
	}

	if err := s.kv.BatchPut(batch); err != nil {
		return errors.Wrap(err, "deleting keys")
	}

	clear(s.levels)
	clear(s.blocksCache)
	clear(s.dirtyLevels)
	s.times.Purge()
	s.empty = true
	s.max = 0

	s.evHandler("chainstore: Reset: deleted keys[%d]", len(keys))

	return nil
}

// SaveBlock records the block with its cumulative difficulty. Saving a main
// chain block demotes any other main chain block at the same height. The
// block is held in memory until the next Flush.
func (s *Store) SaveBlock(block database.BlockRecord, cumulativeDifficulty *big.Int, mainChain bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	number := block.Number()
	hash := block.Hash()

	td := new(big.Int)
	if cumulativeDifficulty != nil {
		td.Set(cumulativeDifficulty)
	}

	infos := s.levels[number]
	if mainChain {
		for i := range infos {
			infos[i].MainChain = false
		}
	}

	info := BlockInfo{
		Number:               number,
		Hash:                 hash,
		CumulativeDifficulty: td,
		MainChain:            mainChain,
	}

	if i := findInfo(infos, hash); i >= 0 {
		infos[i] = info
	} else {
		infos = append(infos, info)
	}

	s.levels[number] = infos
	s.dirtyLevels[number] = struct{}{}
	s.blocksCache[hash] = block
	s.trackMax(number)

	if mainChain {
		s.times.Add(number, block.Header.TimeStamp)
	}
}

// Flush commits the cached blocks and levels to the backend in one batch.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.blocksCache) == 0 && len(s.dirtyLevels) == 0 {
		return nil
	}

	batch := make(map[string][]byte, len(s.blocksCache)+len(s.dirtyLevels))

	for hash, block := range s.blocksCache {
		data, err := s.codec.EncodeBlock(block)
		if err != nil {
			return errors.Wrapf(err, "encoding block %s", block)
		}
		batch[string(blockKey(hash))] = data
	}

	for number := range s.dirtyLevels {
		infos := s.levels[number]
		if len(infos) == 0 {
			batch[string(levelKey(number))] = nil
			continue
		}

		data, err := encodeLevel(infos)
		if err != nil {
			return err
		}
		batch[string(levelKey(number))] = data
	}

	if err := s.kv.BatchPut(batch); err != nil {
		return errors.Wrap(err, "flushing")
	}

	s.evHandler("chainstore: Flush: blocks[%d] levels[%d]", len(s.blocksCache), len(s.dirtyLevels))

	clear(s.blocksCache)
	clear(s.dirtyLevels)

	return nil
}

// =============================================================================

// MaxNumber returns the highest height holding any block. It reports false
// when the store is empty.
func (s *Store) MaxNumber() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.max, !s.empty
}

// MinNumber returns the lowest height holding any block. Pruned history
// makes this greater than zero.
func (s *Store) MinNumber() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.empty {
		return 0, false
	}

	lowest := s.max
	for number, infos := range s.levels {
		if len(infos) > 0 && number < lowest {
			lowest = number
		}
	}

	return lowest, true
}

// BestBlock returns the main chain block at the highest height that has one.
// Heights above it can hold only forks that haven't won yet.
func (s *Store) BestBlock() (database.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.bestBlock()
}

// BlockHashByNumber returns the hash of the main chain block at the height.
func (s *Store) BlockHashByNumber(number uint64) (database.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.mainInfo(number)
	if !ok {
		return database.ZeroHash, errors.Wrapf(ErrNotFound, "main chain block at %d", number)
	}

	return info.Hash, nil
}

// ChainBlockByNumber returns the main chain block at the height.
func (s *Store) ChainBlockByNumber(number uint64) (database.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.chainBlock(number)
}

// BlocksByNumber returns every block known at the height.
func (s *Store) BlocksByNumber(number uint64) ([]database.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := s.levels[number]
	blocks := make([]database.BlockRecord, 0, len(infos))
	for _, info := range infos {
		block, err := s.blockByHash(info.Hash)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}

	return blocks, nil
}

// BlockInfos returns copies of the infos known at the height.
func (s *Store) BlockInfos(number uint64) []BlockInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]BlockInfo, len(s.levels[number]))
	for i, info := range s.levels[number] {
		infos[i] = info.clone()
	}

	return infos
}

// BlockByHash returns the block with the hash.
func (s *Store) BlockByHash(hash database.Hash) (database.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.blockByHash(hash)
}

// IsBlockExist reports whether the block with the hash is stored.
func (s *Store) IsBlockExist(hash database.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.blocksCache[hash]; exists {
		return true
	}

	data, err := s.kv.Get(blockKey(hash))
	return err == nil && data != nil
}

// TotalDifficultyForHash returns the cumulative difficulty recorded for the
// block with the hash, or zero when the block isn't known.
func (s *Store) TotalDifficultyForHash(hash database.Hash) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	block, err := s.blockByHash(hash)
	if err != nil {
		return new(big.Int)
	}

	infos := s.levels[block.Number()]
	if i := findInfo(infos, hash); i >= 0 {
		return new(big.Int).Set(infos[i].CumulativeDifficulty)
	}

	return new(big.Int)
}

// TotalDifficulty returns the cumulative difficulty of the best block.
func (s *Store) TotalDifficulty() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.empty {
		return new(big.Int)
	}

	for number := int64(s.max); number >= 0; number-- {
		if info, ok := s.mainInfo(uint64(number)); ok {
			return new(big.Int).Set(info.CumulativeDifficulty)
		}
	}

	return new(big.Int)
}

// ListBlocksEndWith returns up to qty blocks following parent links back
// from the block with the hash, starting with that block.
func (s *Store) ListBlocksEndWith(hash database.Hash, qty uint64) ([]database.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blocks []database.BlockRecord
	for i := uint64(0); i < qty; i++ {
		block, err := s.blockByHash(hash)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return nil, err
		}

		blocks = append(blocks, block)
		hash = block.PrevHash()
	}

	return blocks, nil
}

// ListHashesEndWith returns the hashes of ListBlocksEndWith.
func (s *Store) ListHashesEndWith(hash database.Hash, qty uint64) ([]database.Hash, error) {
	blocks, err := s.ListBlocksEndWith(hash, qty)
	if err != nil {
		return nil, err
	}

	hashes := make([]database.Hash, len(blocks))
	for i, block := range blocks {
		hashes[i] = block.Hash()
	}

	return hashes, nil
}

// ListHeadersEndWith returns the headers of ListBlocksEndWith.
func (s *Store) ListHeadersEndWith(hash database.Hash, qty uint64) ([]database.Header, error) {
	blocks, err := s.ListBlocksEndWith(hash, qty)
	if err != nil {
		return nil, err
	}

	headers := make([]database.Header, len(blocks))
	for i, block := range blocks {
		headers[i] = block.Header
	}

	return headers, nil
}

// ListHashesStartWith returns the main chain hashes from the height upward,
// stopping at the first height without a main chain block.
func (s *Store) ListHashesStartWith(number uint64, maxBlocks uint64) []database.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hashes []database.Hash
	for i := uint64(0); i < maxBlocks; i++ {
		info, ok := s.mainInfo(number + i)
		if !ok {
			break
		}
		hashes = append(hashes, info.Hash)
	}

	return hashes
}

// BlockTimeByNumber returns the timestamp of the main chain block at the
// height, or zero when there is none. Recent heights are served from memory.
func (s *Store) BlockTimeByNumber(number uint64) uint64 {
	if ts, exists := s.times.Get(number); exists {
		return ts
	}

	block, err := s.ChainBlockByNumber(number)
	if err != nil {
		return 0
	}

	s.times.Add(number, block.Header.TimeStamp)

	return block.Header.TimeStamp
}

// CheckSanity verifies every indexed block can be loaded and that no height
// has more than one main chain block.
func (s *Store) CheckSanity() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.checkSanity()
}

// =============================================================================

// bestBlock expects a lock to be held.
func (s *Store) bestBlock() (database.BlockRecord, error) {
	if s.empty {
		return database.BlockRecord{}, errors.Wrap(ErrNotFound, "empty store")
	}

	for number := int64(s.max); number >= 0; number-- {
		info, ok := s.mainInfo(uint64(number))
		if !ok {
			continue
		}
		return s.blockByHash(info.Hash)
	}

	return database.BlockRecord{}, errors.Wrap(ErrNotFound, "no main chain block")
}

// chainBlock expects a lock to be held.
func (s *Store) chainBlock(number uint64) (database.BlockRecord, error) {
	info, ok := s.mainInfo(number)
	if !ok {
		return database.BlockRecord{}, errors.Wrapf(ErrNotFound, "main chain block at %d", number)
	}

	return s.blockByHash(info.Hash)
}

// mainInfo expects a lock to be held.
func (s *Store) mainInfo(number uint64) (BlockInfo, bool) {
	for _, info := range s.levels[number] {
		if info.MainChain {
			return info, true
		}
	}

	return BlockInfo{}, false
}

// blockByHash expects a lock to be held.
func (s *Store) blockByHash(hash database.Hash) (database.BlockRecord, error) {
	if block, exists := s.blocksCache[hash]; exists {
		return block, nil
	}

	data, err := s.kv.Get(blockKey(hash))
	if err != nil {
		return database.BlockRecord{}, errors.Wrapf(err, "reading block %s", database.ShortHash(hash))
	}

	if data == nil {
		return database.BlockRecord{}, errors.Wrapf(ErrNotFound, "block %s", database.ShortHash(hash))
	}

	return s.codec.DecodeBlock(data)
}

// trackMax expects the write lock to be held.
func (s *Store) trackMax(number uint64) {
	if s.empty || number > s.max {
		s.max = number
		s.empty = false
	}
}

// recomputeMax expects the write lock to be held.
func (s *Store) recomputeMax() {
	s.empty = true
	s.max = 0

	for number, infos := range s.levels {
		if len(infos) > 0 {
			s.trackMax(number)
		}
	}
}

// checkSanity expects a lock to be held.
func (s *Store) checkSanity() error {
	var violations int
	var first error

	report := func(err error) {
		violations++
		if first == nil {
			first = err
		}
		s.evHandler("chainstore: checkSanity: ERROR: %s", err)
	}

	for number, infos := range s.levels {
		var main int
		for _, info := range infos {
			if info.MainChain {
				main++
			}

			if _, exists := s.blocksCache[info.Hash]; exists {
				continue
			}

			data, err := s.kv.Get(blockKey(info.Hash))
			if err != nil {
				return errors.Wrapf(err, "reading block %s", database.ShortHash(info.Hash))
			}
			if data == nil {
				report(errors.Wrapf(ErrCorrupted, "height %d references missing block %s", number, database.ShortHash(info.Hash)))
			}
		}

		if main > 1 {
			report(errors.Wrapf(ErrMainChainConflict, "height %d has %d", number, main))
		}
	}

	if violations > 0 && s.strict {
		return first
	}

	return nil
}
