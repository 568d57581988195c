package cache

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/mass"
	"github.com/outofforest/specdec/alloc"
	"github.com/outofforest/specdec/hash"
	"github.com/outofforest/specdec/types"
	"github.com/outofforest/specdec/verify"
)

// Config stores configuration of the cache manager.
type Config struct {
	NumPages            uint32 `yaml:"num_pages"`
	BlockSize           uint32 `yaml:"block_size"`
	EnablePrefixCaching bool   `yaml:"enable_prefix_caching"`
}

// CopyPair requests copying KV entries of page Src into page Dst.
type CopyPair struct {
	Src types.PageID
	Dst types.PageID
}

// Stats reports state of the cache.
type Stats struct {
	NumPages      uint32
	FreePages     uint32
	CachedPages   uint32
	Sequences     uint32
	PrefixQueries uint64
	PrefixHits    uint64
}

type sequence struct {
	pages  []types.PageID
	tokens []types.Token
	hashes []types.Hash
	extra  []byte
}

// New creates cache manager.
func New(config Config) (*Manager, error) {
	if config.NumPages == 0 || config.BlockSize == 0 {
		return nil, errors.Wrapf(types.ErrShapeMismatch, "invalid cache shape %+v", config)
	}
	return &Manager{
		config:       config,
		pool:         alloc.NewPool(config.NumPages),
		massSequence: mass.New[sequence](1024),
		sequences:    map[types.SequenceID]*sequence{},
		byHash:       map[types.Hash]types.PageID{},
		hashOf:       map[types.PageID]types.Hash{},
	}, nil
}

// Manager maps sequences to pages of the pool. Full pages are registered by content hash, so sequences sharing a
// prompt prefix reference the same pages. It is safe for concurrent use.
type Manager struct {
	config Config
	pool   *alloc.Pool

	mu            sync.Mutex
	massSequence  *mass.Mass[sequence]
	spare         []*sequence
	sequences     map[types.SequenceID]*sequence
	byHash        map[types.Hash]types.PageID
	hashOf        map[types.PageID]types.Hash
	prefixQueries uint64
	prefixHits    uint64
}

// BlockSize returns number of tokens stored in one page.
func (m *Manager) BlockSize() uint32 {
	return m.config.BlockSize
}

// AddSequence registers new sequence holding prompt. Full blocks of the prompt whose content is already cached
// reuse the cached pages.
func (m *Manager) AddSequence(id types.SequenceID, prompt []types.Token, extra []byte) (BlockTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sequences[id]; exists {
		return BlockTable{}, errors.Wrapf(types.ErrIndexOutOfRange, "sequence %d already exists", id)
	}

	hashes := hash.Blocks(prompt, m.config.BlockSize, extra)
	var shared []types.PageID
	if m.config.EnablePrefixCaching {
		for _, h := range hashes {
			m.prefixQueries++
			page, exists := m.byHash[h]
			if !exists {
				break
			}
			m.prefixHits++
			shared = append(shared, page)
		}
	}

	if err := m.pool.Retain(shared...); err != nil {
		return BlockTable{}, err
	}
	fresh, err := m.pool.Allocate(m.pagesFor(uint64(len(prompt))) - uint32(len(shared)))
	if err != nil {
		if _, err2 := m.pool.Release(shared...); err2 != nil {
			return BlockTable{}, errors.WithMessage(err, err2.Error())
		}
		return BlockTable{}, err
	}

	seq := m.newSequence()
	seq.pages = append(append(seq.pages, shared...), fresh...)
	seq.tokens = append(seq.tokens, prompt...)
	seq.hashes = append(seq.hashes, hashes...)
	seq.extra = append(seq.extra, extra...)
	m.sequences[id] = seq

	for i := len(shared); i < len(hashes); i++ {
		m.register(seq.pages[i], hashes[i])
	}

	return m.blockTable(seq), nil
}

// AppendTokens extends the sequence with tokens and returns their slots. Either all the pages required by the tokens
// are allocated or the sequence stays unchanged.
func (m *Manager) AppendTokens(id types.SequenceID, tokens []types.Token) ([]types.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.sequence(id)
	if err != nil {
		return nil, err
	}

	start := uint64(len(seq.tokens))
	end := start + uint64(len(tokens))
	fresh, err := m.pool.Allocate(m.pagesFor(end) - uint32(len(seq.pages)))
	if err != nil {
		return nil, err
	}
	seq.pages = append(seq.pages, fresh...)
	seq.tokens = append(seq.tokens, tokens...)

	bs := uint64(m.config.BlockSize)
	for i := uint64(len(seq.hashes)); (i+1)*bs <= end; i++ {
		var parent *types.Hash
		if i > 0 {
			parent = &seq.hashes[i-1]
		}
		h := hash.Page(parent, seq.tokens[i*bs:(i+1)*bs], seq.extra)
		seq.hashes = append(seq.hashes, h)
		m.register(seq.pages[i], h)
	}

	return SlotsForRange(m.blockTable(seq), start, end)
}

// Commit extends the sequence with the tokens produced by verification: accepted ones followed by the bonus token.
func (m *Manager) Commit(id types.SequenceID, record verify.AcceptanceRecord) ([]types.Slot, error) {
	return m.AppendTokens(id, record.Tokens())
}

// CanAppend tells if n more tokens fit into the sequence and the free pages.
func (m *Manager) CanAppend(id types.SequenceID, n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.sequence(id)
	if err != nil {
		return false
	}
	return m.pagesFor(uint64(len(seq.tokens))+n)-uint32(len(seq.pages)) <= m.pool.Free()
}

// Fork creates child sequence sharing the pages of the parent. Partially filled last page is not shared, it gets
// a fresh page and the returned pair tells which page entries must be copied into it.
func (m *Manager) Fork(parent, child types.SequenceID) (BlockTable, []CopyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.sequence(parent)
	if err != nil {
		return BlockTable{}, nil, err
	}
	if _, exists := m.sequences[child]; exists {
		return BlockTable{}, nil, errors.Wrapf(types.ErrIndexOutOfRange, "sequence %d already exists", child)
	}

	numOfFull := len(src.tokens) / int(m.config.BlockSize)
	shared := src.pages[:numOfFull]
	if err := m.pool.Retain(shared...); err != nil {
		return BlockTable{}, nil, err
	}

	var copies []CopyPair
	var fresh []types.PageID
	if len(src.pages) > numOfFull {
		var err error
		fresh, err = m.pool.Allocate(1)
		if err != nil {
			if _, err2 := m.pool.Release(shared...); err2 != nil {
				return BlockTable{}, nil, errors.WithMessage(err, err2.Error())
			}
			return BlockTable{}, nil, err
		}
		copies = append(copies, CopyPair{Src: src.pages[numOfFull], Dst: fresh[0]})
	}

	seq := m.newSequence()
	seq.pages = append(append(seq.pages, shared...), fresh...)
	seq.tokens = append(seq.tokens, src.tokens...)
	seq.hashes = append(seq.hashes, src.hashes...)
	seq.extra = append(seq.extra, src.extra...)
	m.sequences[child] = seq

	return m.blockTable(seq), copies, nil
}

// Free drops the sequence and releases its pages. Hashes of pages returned to the free list are forgotten.
func (m *Manager) Free(id types.SequenceID) ([]types.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.sequence(id)
	if err != nil {
		return nil, err
	}

	freed, err := m.pool.Release(seq.pages...)
	if err != nil {
		return nil, err
	}
	for _, page := range freed {
		if h, exists := m.hashOf[page]; exists {
			delete(m.hashOf, page)
			delete(m.byHash, h)
		}
	}
	delete(m.sequences, id)

	// Entries allocated by mass are never returned, freed ones are kept for next sequences.
	*seq = sequence{
		pages:  seq.pages[:0],
		tokens: seq.tokens[:0],
		hashes: seq.hashes[:0],
		extra:  seq.extra[:0],
	}
	m.spare = append(m.spare, seq)

	return freed, nil
}

// BlockTable returns block table of the sequence.
func (m *Manager) BlockTable(id types.SequenceID) (BlockTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.sequence(id)
	if err != nil {
		return BlockTable{}, err
	}
	return m.blockTable(seq), nil
}

// Slots returns slots of positions [start, end) of the sequence.
func (m *Manager) Slots(id types.SequenceID, start, end uint64) ([]types.Slot, error) {
	table, err := m.BlockTable(id)
	if err != nil {
		return nil, err
	}
	if end > table.Length {
		return nil, errors.Wrapf(types.ErrIndexOutOfRange, "range [%d, %d) outside sequence of %d tokens", start,
			end, table.Length)
	}
	return SlotsForRange(table, start, end)
}

// Tokens returns tokens of the sequence.
func (m *Manager) Tokens(id types.SequenceID) ([]types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.sequence(id)
	if err != nil {
		return nil, err
	}
	return append([]types.Token{}, seq.tokens...), nil
}

// Sequences returns ids of registered sequences.
func (m *Manager) Sequences() []types.SequenceID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lo.Keys(m.sequences)
}

// RefCount returns number of references to the page.
func (m *Manager) RefCount(page types.PageID) uint32 {
	return m.pool.RefCount(page)
}

// Stats returns the cache statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		NumPages:      m.pool.Capacity(),
		FreePages:     m.pool.Free(),
		CachedPages:   uint32(len(m.byHash)),
		Sequences:     uint32(len(m.sequences)),
		PrefixQueries: m.prefixQueries,
		PrefixHits:    m.prefixHits,
	}
}

func (m *Manager) register(page types.PageID, h types.Hash) {
	if !m.config.EnablePrefixCaching {
		return
	}
	if _, exists := m.byHash[h]; exists {
		return
	}
	m.byHash[h] = page
	m.hashOf[page] = h
}

func (m *Manager) newSequence() *sequence {
	if n := len(m.spare); n > 0 {
		seq := m.spare[n-1]
		m.spare = m.spare[:n-1]
		return seq
	}
	return m.massSequence.New()
}

func (m *Manager) sequence(id types.SequenceID) (*sequence, error) {
	seq, exists := m.sequences[id]
	if !exists {
		return nil, errors.Wrapf(types.ErrIndexOutOfRange, "sequence %d does not exist", id)
	}
	return seq, nil
}

func (m *Manager) blockTable(seq *sequence) BlockTable {
	return BlockTable{
		PageIDs:   append([]types.PageID{}, seq.pages...),
		BlockSize: m.config.BlockSize,
		Length:    uint64(len(seq.tokens)),
	}
}

func (m *Manager) pagesFor(length uint64) uint32 {
	bs := uint64(m.config.BlockSize)
	return uint32((length + bs - 1) / bs)
}
