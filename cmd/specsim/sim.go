package main

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/specdec"
	"github.com/outofforest/specdec/cache"
	"github.com/outofforest/specdec/kvstore"
	"github.com/outofforest/specdec/metrics"
	"github.com/outofforest/specdec/tree"
	"github.com/outofforest/specdec/types"
	"github.com/outofforest/specdec/verify"
)

// Config is the configuration of the simulation.
type Config struct {
	Decoder specdec.Config `yaml:"decoder"`

	// KV configures the store receiving synthetic KV entries of committed tokens. Number of pages and block size
	// are taken from the decoder.
	KV kvstore.Config `yaml:"kv"`

	Sequences    int `yaml:"sequences"`
	PromptLength int `yaml:"prompt_length"`
	Steps        int `yaml:"steps"`

	// Forks is the number of sequences forked half way through the run.
	Forks int `yaml:"forks"`

	// Period is the length of the cycle the synthetic target prefers, Sharpness is the logit of the preferred
	// token.
	Period    uint32  `yaml:"period"`
	Sharpness float64 `yaml:"sharpness"`
}

// DefaultConfig returns the default simulation configuration.
func DefaultConfig() Config {
	decoder := specdec.DefaultConfig()
	decoder.VocabSize = 64
	decoder.NumPages = 4096
	return Config{
		Decoder: decoder,
		KV: kvstore.Config{
			NumLayers: 2,
			SlotWidth: 8,
		},
		Sequences:    8,
		PromptLength: 32,
		Steps:        64,
		Forks:        2,
		Period:       7,
		Sharpness:    6,
	}
}

// Report summarizes the simulation.
type Report struct {
	Stats       verify.Stats
	Tokens      uint64
	Fallbacks   uint64
	Forks       uint64
	ErasedPages uint64
}

// Run decodes synthetic sequences.
func Run(ctx context.Context, config Config, m *metrics.Metrics) (Report, error) {
	s, err := newSimulation(config, m)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		_ = s.close()
	}()

	var report Report
	for step := range config.Steps {
		if step == config.Steps/2 {
			for i := range config.Forks {
				if err := s.fork(types.SequenceID(i), types.SequenceID(config.Sequences+i)); err != nil {
					return Report{}, err
				}
				report.Forks++
			}
		}

		results, err := s.step(ctx)
		if err != nil {
			return Report{}, err
		}
		for _, r := range results {
			report.Tokens += uint64(len(r.Tokens))
			if r.Fallback {
				report.Fallbacks++
			}
		}
	}
	report.Stats = s.decoder.Stats()

	erased, err := s.free(ctx)
	if err != nil {
		return Report{}, err
	}
	report.ErasedPages = uint64(len(erased))

	return report, s.close()
}

type simulation struct {
	config  Config
	decoder *specdec.Decoder
	store   *kvstore.Store
	ids     []types.SequenceID
}

func newSimulation(config Config, m *metrics.Metrics) (*simulation, error) {
	if config.Period == 0 || config.Period > config.Decoder.VocabSize {
		return nil, errors.Errorf("period %d must be in [1, %d]", config.Period, config.Decoder.VocabSize)
	}
	if config.PromptLength <= 0 {
		return nil, errors.Errorf("prompt length %d must be positive", config.PromptLength)
	}
	if config.Forks < 0 || config.Forks > config.Sequences {
		return nil, errors.Errorf("forks %d must be in [0, %d]", config.Forks, config.Sequences)
	}

	target := periodicTarget{
		vocabSize: config.Decoder.VocabSize,
		period:    types.Token(config.Period),
		sharpness: config.Sharpness,
	}
	d, err := specdec.New(config.Decoder, target, nil, m)
	if err != nil {
		return nil, err
	}

	kvConfig := config.KV
	kvConfig.NumPages = config.Decoder.NumPages
	kvConfig.BlockSize = config.Decoder.BlockSize
	store, err := kvstore.New(kvConfig)
	if err != nil {
		return nil, err
	}

	s := &simulation{
		config:  config,
		decoder: d,
		store:   store,
	}
	for _, id := range lo.Times(config.Sequences, func(i int) types.SequenceID { return types.SequenceID(i) }) {
		prompt := lo.Times(config.PromptLength, func(i int) types.Token {
			return types.Token((uint32(i) + uint32(id)) % config.Period)
		})
		table, err := d.AddSequence(id, prompt)
		if err != nil {
			return nil, s.abort(err)
		}
		slots, err := cache.SlotsForRange(table, 0, table.Length)
		if err != nil {
			return nil, s.abort(err)
		}
		if err := s.write(slots, prompt); err != nil {
			return nil, s.abort(err)
		}
		s.ids = append(s.ids, id)
	}
	return s, nil
}

// step decodes all the sequences once and stores KV entries of the committed tokens.
func (s *simulation) step(ctx context.Context) ([]specdec.StepResult, error) {
	results, err := s.decoder.Step(ctx, s.ids)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if err := s.write(r.Slots, r.Tokens); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// fork creates child sequence and copies the partially filled page of the parent.
func (s *simulation) fork(parent, child types.SequenceID) error {
	_, copies, err := s.decoder.Fork(parent, child)
	if err != nil {
		return err
	}
	for _, c := range copies {
		if err := s.store.Copy(c.Src, c.Dst); err != nil {
			return err
		}
	}
	s.ids = append(s.ids, child)
	return nil
}

// free drops all the sequences and erases pages returned to the pool.
func (s *simulation) free(ctx context.Context) ([]types.PageID, error) {
	var freed []types.PageID
	for _, id := range s.ids {
		pages, err := s.decoder.Free(id)
		if err != nil {
			return nil, err
		}
		freed = append(freed, pages...)
	}
	s.ids = nil

	if err := s.store.Erase(ctx, freed, s.config.Decoder.Workers); err != nil {
		return nil, err
	}
	return freed, nil
}

func (s *simulation) close() error {
	return s.store.Close()
}

func (s *simulation) abort(err error) error {
	if err2 := s.close(); err2 != nil {
		return errors.WithMessage(err, err2.Error())
	}
	return err
}

func (s *simulation) write(slots []types.Slot, tokens []types.Token) error {
	if len(slots) != len(tokens) {
		return errors.Wrapf(types.ErrShapeMismatch, "%d slots for %d tokens", len(slots), len(tokens))
	}
	kvConfig := s.store.Config()
	for i, slot := range slots {
		for layer := range kvConfig.NumLayers {
			if err := s.store.Write(layer, slot, kvEntries(tokens[i], layer, kvConfig.SlotWidth)); err != nil {
				return err
			}
		}
	}
	return nil
}

// kvEntries returns synthetic KV entries of the token, none of them is zero.
func kvEntries(token types.Token, layer, width uint32) []float32 {
	entries := make([]float32, width)
	for i := range entries {
		entries[i] = float32(token+1)*float32(layer+1) + float32(i)/float32(width)
	}
	return entries
}

// periodicTarget prefers the token following the previous one in the cycle of the period length.
type periodicTarget struct {
	vocabSize uint32
	period    types.Token
	sharpness float64
}

func (pt periodicTarget) Logits(
	_ context.Context,
	_ types.SequenceID,
	_ []types.Token,
	t *tree.Tree,
) ([][]float64, error) {
	rows := make([][]float64, 0, t.Len())
	for _, n := range t.Nodes() {
		row := make([]float64, pt.vocabSize)
		for i := range row {
			if types.Token(i) >= pt.period {
				row[i] = math.Inf(-1)
			}
		}
		row[(n.Token+1)%pt.period] = pt.sharpness
		rows = append(rows, row)
	}
	return rows, nil
}
