// Package rng provides random stream passed by value through verification calls.
//
// Source is immutable: every draw returns the value and the advanced source, so a decode step can be replayed
// bit-for-bit by starting from the same source again.
package rng

const (
	golden = 0x9e3779b97f4a7c15
	mix1   = 0xbf58476d1ce4e5b9
	mix2   = 0x94d049bb133111eb

	float64Bits = 53
)

// New creates new source from seed.
func New(seed uint64) Source {
	return Source{state: seed}
}

// Source is the splitmix64 generator state.
type Source struct {
	state uint64
}

// Uint64 returns next random value and advanced source.
func (s Source) Uint64() (uint64, Source) {
	s.state += golden
	return mix(s.state), s
}

// Float64 returns uniform value in [0, 1) and advanced source.
func (s Source) Float64() (float64, Source) {
	v, s := s.Uint64()
	return float64(v>>(64-float64Bits)) / (1 << float64Bits), s
}

// Split derives independent source for the stream. The receiver is not advanced.
func (s Source) Split(stream uint64) Source {
	return Source{state: mix(s.state ^ mix(stream*golden+1))}
}

// State returns internal state, useful to persist the stream position.
func (s Source) State() uint64 {
	return s.state
}

func mix(z uint64) uint64 {
	z = (z ^ (z >> 30)) * mix1
	z = (z ^ (z >> 27)) * mix2
	return z ^ (z >> 31)
}
