package specdec

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/specdec/cache"
	"github.com/outofforest/specdec/metrics"
	"github.com/outofforest/specdec/rng"
	"github.com/outofforest/specdec/sampling"
	"github.com/outofforest/specdec/tree"
	"github.com/outofforest/specdec/types"
	"github.com/outofforest/specdec/verify"
)

// StepResult is the outcome of one decode step of one sequence.
type StepResult struct {
	ID types.SequenceID

	// Tokens are appended to the sequence, Slots are where their KV entries go.
	Tokens []types.Token
	Slots  []types.Slot

	// Record is set if speculation succeeded.
	Record verify.AcceptanceRecord

	// Fallback is set if the sequence was decoded without speculation, FallbackErr tells why.
	Fallback    bool
	FallbackErr error

	// Err is set if the sequence made no progress.
	Err error
}

type sequenceState struct {
	src     rng.Source
	history sampling.TokenCounts
}

// New creates decoder. Nil drafter means n-gram drafting, nil metrics are created unregistered.
func New(config Config, target TargetModel, drafter Drafter, m *metrics.Metrics) (*Decoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errors.New("target model is required")
	}

	engine, err := verify.New(verify.Config{
		VocabSize: config.VocabSize,
		Params:    config.Params,
	})
	if err != nil {
		return nil, err
	}
	cacheManager, err := cache.New(cache.Config{
		NumPages:            config.NumPages,
		BlockSize:           config.BlockSize,
		EnablePrefixCaching: config.EnablePrefixCaching,
	})
	if err != nil {
		return nil, err
	}
	if drafter == nil {
		if drafter, err = NewNGramDrafter(config.NGram); err != nil {
			return nil, err
		}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	m.ObserveCache(cacheManager.Stats())

	return &Decoder{
		config:    config,
		engine:    engine,
		cache:     cacheManager,
		target:    target,
		drafter:   drafter,
		metrics:   m,
		sequences: map[types.SequenceID]*sequenceState{},
	}, nil
}

// Decoder runs speculative decode steps over batches of sequences.
type Decoder struct {
	config  Config
	engine  *verify.Engine
	cache   *cache.Manager
	target  TargetModel
	drafter Drafter
	metrics *metrics.Metrics
	tracker verify.Tracker

	mu        sync.Mutex
	sequences map[types.SequenceID]*sequenceState
}

// AddSequence registers sequence starting with the prompt.
func (d *Decoder) AddSequence(id types.SequenceID, prompt []types.Token) (cache.BlockTable, error) {
	if len(prompt) == 0 {
		return cache.BlockTable{}, errors.Wrap(types.ErrIndexOutOfRange, "prompt is empty")
	}
	for _, t := range prompt {
		if uint32(t) >= d.config.VocabSize {
			return cache.BlockTable{}, errors.Wrapf(types.ErrIndexOutOfRange, "token %d outside vocabulary of %d",
				t, d.config.VocabSize)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.sequences[id]; exists {
		return cache.BlockTable{}, errors.Wrapf(types.ErrIndexOutOfRange, "sequence %d already exists", id)
	}
	table, err := d.cache.AddSequence(id, prompt, nil)
	if err != nil {
		return cache.BlockTable{}, err
	}
	d.sequences[id] = &sequenceState{
		src:     rng.New(d.config.Seed).Split(uint64(id)),
		history: sampling.Count(prompt),
	}
	d.drafter.Observe(id, prompt)
	d.metrics.ObserveCache(d.cache.Stats())
	return table, nil
}

// Fork creates child sequence continuing from the current state of the parent. Entries of the returned page pairs
// must be copied before the child is stepped.
func (d *Decoder) Fork(parent, child types.SequenceID) (cache.BlockTable, []cache.CopyPair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, exists := d.sequences[parent]
	if !exists {
		return cache.BlockTable{}, nil, errors.Wrapf(types.ErrIndexOutOfRange, "sequence %d does not exist", parent)
	}
	if _, exists := d.sequences[child]; exists {
		return cache.BlockTable{}, nil, errors.Wrapf(types.ErrIndexOutOfRange, "sequence %d already exists", child)
	}
	table, copies, err := d.cache.Fork(parent, child)
	if err != nil {
		return cache.BlockTable{}, nil, err
	}
	tokens, err := d.cache.Tokens(child)
	if err != nil {
		return cache.BlockTable{}, nil, err
	}
	d.sequences[child] = &sequenceState{
		src:     rng.New(d.config.Seed).Split(uint64(child)),
		history: state.history.Clone(),
	}
	d.drafter.Observe(child, tokens)
	d.metrics.ObserveCache(d.cache.Stats())
	return table, copies, nil
}

// Free drops the sequence and releases its pages. Pages no longer referenced by any sequence are returned.
func (d *Decoder) Free(id types.SequenceID) ([]types.PageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	freed, err := d.cache.Free(id)
	if err != nil {
		return nil, err
	}
	delete(d.sequences, id)
	d.drafter.Forget(id)
	d.metrics.ObserveCache(d.cache.Stats())
	return freed, nil
}

// Tokens returns tokens of the sequence.
func (d *Decoder) Tokens(id types.SequenceID) ([]types.Token, error) {
	return d.cache.Tokens(id)
}

// BlockTable returns block table of the sequence.
func (d *Decoder) BlockTable(id types.SequenceID) (cache.BlockTable, error) {
	return d.cache.BlockTable(id)
}

// Stats returns speculation statistics of all the steps.
func (d *Decoder) Stats() verify.Stats {
	return d.tracker.Stats()
}

// CacheStats returns statistics of the KV cache.
func (d *Decoder) CacheStats() cache.Stats {
	return d.cache.Stats()
}

type proposal struct {
	state   *sequenceState
	tokens  []types.Token
	tree    *tree.Tree
	target  [][]float64
	draft   [][]float64
	record  verify.AcceptanceRecord
	slots   []types.Slot
	err     error
	invalid bool
}

// Step runs one decode step for the sequences. Every sequence proposes the draft tree, the target model scores it,
// and verification decides which tokens are kept. Sequence whose speculation fails is decoded one token at a time
// instead, failure never affects other sequences of the batch.
func (d *Decoder) Step(ctx context.Context, ids []types.SequenceID) ([]StepResult, error) {
	proposals, err := d.prepare(ids)
	if err != nil {
		return nil, err
	}

	if err := d.propose(ctx, ids, proposals); err != nil {
		return nil, err
	}

	inputs := make([]verify.Input, 0, len(ids))
	sources := make([]rng.Source, 0, len(ids))
	positions := make([]int, 0, len(ids))
	for i, p := range proposals {
		if p.invalid || p.err != nil {
			continue
		}
		inputs = append(inputs, verify.Input{
			Tree:         p.tree,
			TargetLogits: p.target,
			DraftProbs:   p.draft,
			History:      p.state.history,
		})
		sources = append(sources, p.state.src)
		positions = append(positions, i)
	}

	verified, err := verify.VerifyBatch(ctx, d.engine, inputs, sources, d.config.Workers)
	if err != nil {
		return nil, err
	}
	for j, result := range verified {
		p := proposals[positions[j]]
		if result.Err != nil {
			p.err = result.Err
			continue
		}
		p.state.src = result.Source
		if err := d.commit(ids[positions[j]], p, result.Record); err != nil {
			p.err = err
		}
	}

	log := logger.Get(ctx)
	results := make([]StepResult, 0, len(ids))
	for i, p := range proposals {
		id := ids[i]
		result := StepResult{ID: id}
		switch {
		case p.invalid:
			result.Err = p.err
		case p.err == nil:
			result.Record = p.record
			result.Tokens = p.record.Tokens()
			result.Slots = p.slots
		default:
			reason := fallbackReason(p.err)
			log.Warn("Speculation failed, decoding single token",
				zap.Uint64("sequence", uint64(id)),
				zap.String("reason", reason),
				zap.Error(p.err))
			d.metrics.ObserveFallback(reason)

			result.Fallback = true
			result.FallbackErr = p.err
			result.Tokens, result.Slots, result.Err = d.fallback(ctx, id, p)
			if result.Err != nil {
				log.Error("Decoding failed", zap.Uint64("sequence", uint64(id)), zap.Error(result.Err))
			}
		}
		results = append(results, result)
	}
	d.metrics.ObserveCache(d.cache.Stats())

	return results, nil
}

func (d *Decoder) prepare(ids []types.SequenceID) ([]*proposal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[types.SequenceID]struct{}, len(ids))
	proposals := make([]*proposal, 0, len(ids))
	for _, id := range ids {
		if _, exists := seen[id]; exists {
			return nil, errors.Wrapf(types.ErrShapeMismatch, "sequence %d repeated in the batch", id)
		}
		seen[id] = struct{}{}

		state, exists := d.sequences[id]
		if !exists {
			proposals = append(proposals, &proposal{
				invalid: true,
				err:     errors.Wrapf(types.ErrIndexOutOfRange, "sequence %d does not exist", id),
			})
			continue
		}
		proposals = append(proposals, &proposal{state: state})
	}
	return proposals, nil
}

func (d *Decoder) propose(ctx context.Context, ids []types.SequenceID, proposals []*proposal) error {
	numOfWorkers := min(max(d.config.Workers, 1), len(ids))
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for w := range numOfWorkers {
			spawn(fmt.Sprintf("proposer-%02d", w), parallel.Continue, func(ctx context.Context) error {
				for i := w; i < len(ids); i += numOfWorkers {
					if err := ctx.Err(); err != nil {
						return errors.WithStack(err)
					}
					p := proposals[i]
					if p.invalid {
						continue
					}
					p.err = d.proposeSequence(ctx, ids[i], p)
				}
				return nil
			})
		}
		return nil
	})
}

func (d *Decoder) proposeSequence(ctx context.Context, id types.SequenceID, p *proposal) error {
	var err error
	if p.tokens, err = d.cache.Tokens(id); err != nil {
		return err
	}

	p.tree, p.draft, p.state.src, err = d.drafter.Propose(ctx, id, p.tokens, d.config.Width, d.config.DepthLimit,
		p.state.src)
	if err != nil {
		return err
	}

	// The longest outcome is the whole main branch followed by the bonus token.
	if !d.cache.CanAppend(id, uint64(len(p.tree.MainBranch())+1)) {
		return errors.Wrapf(types.ErrAllocationExhausted, "no pages for %d tokens of sequence %d",
			len(p.tree.MainBranch())+1, id)
	}

	p.target, err = d.target.Logits(ctx, id, p.tokens, p.tree)
	if err != nil {
		return errors.Wrap(errTarget, err.Error())
	}
	return nil
}

func (d *Decoder) commit(id types.SequenceID, p *proposal, record verify.AcceptanceRecord) error {
	slots, err := d.cache.Commit(id, record)
	if err != nil {
		return err
	}
	p.record = record
	p.slots = slots

	tokens := record.Tokens()
	d.tracker.Observe(record)
	d.metrics.ObserveRecord(record)
	d.drafter.Observe(id, tokens)
	for _, t := range tokens {
		p.state.history[t]++
	}
	return nil
}

// fallback decodes single token from the distribution following the last token of the sequence.
func (d *Decoder) fallback(
	ctx context.Context,
	id types.SequenceID,
	p *proposal,
) ([]types.Token, []types.Slot, error) {
	if len(p.tokens) == 0 {
		var err error
		if p.tokens, err = d.cache.Tokens(id); err != nil {
			return nil, nil, err
		}
	}

	var row []float64
	if len(p.target) > 0 && len(p.target[0]) == int(d.config.VocabSize) {
		row = p.target[0]
	} else {
		root, err := tree.Parse([]types.Token{p.tokens[len(p.tokens)-1]}, []types.NodeIndex{types.RootParent}, nil)
		if err != nil {
			return nil, nil, err
		}
		rows, err := d.target.Logits(ctx, id, p.tokens, root)
		if err != nil {
			return nil, nil, errors.Wrap(errTarget, err.Error())
		}
		if len(rows) != 1 || len(rows[0]) != int(d.config.VocabSize) {
			return nil, nil, errors.Wrapf(types.ErrShapeMismatch, "target returned %d rows for the root", len(rows))
		}
		row = rows[0]
	}

	u, src := p.state.src.Float64()
	token, err := sampling.Sample(row, d.config.Params, p.state.history, u)
	if err != nil {
		return nil, nil, err
	}

	tokens := []types.Token{token}
	slots, err := d.cache.AppendTokens(id, tokens)
	if err != nil {
		return nil, nil, err
	}
	p.state.src = src
	p.state.history[token]++
	d.drafter.Observe(id, tokens)
	return tokens, slots, nil
}

var errTarget = errors.New("target model failed")

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, types.ErrShapeMismatch):
		return metrics.ReasonShapeMismatch
	case errors.Is(err, types.ErrIndexOutOfRange):
		return metrics.ReasonIndexOutOfRange
	case errors.Is(err, types.ErrAllocationExhausted):
		return metrics.ReasonAllocationExhausted
	case errors.Is(err, errTarget):
		return metrics.ReasonTarget
	default:
		return metrics.ReasonOther
	}
}
