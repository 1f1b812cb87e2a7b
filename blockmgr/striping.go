package blockmgr

import "math/rand"

// Strategy is a striping policy: a pure function from the running
// block-allocation counter and the number of configured disks to a
// disk index, per spec §4.1 and the "polymorphic strategies" design
// note in spec §9 (a runtime capability object standing in for the
// source's compile-time template parameter).
type Strategy interface {
	// NextDisk returns the disk index to allocate the counter-th block
	// on, given numDisks configured disks.
	NextDisk(counter uint64, numDisks int) int
}

// randomSlot reports whether this strategy also wants its free extent
// chosen at random within the target disk, rather than first-fit.
// Only FullyRandom sets this; the type switch in Manager.allocOne
// checks for it directly instead of widening the Strategy interface,
// since no other strategy cares about slot selection.
type randomSlot interface {
	randomSlot() bool
}

// Striping is the round-robin policy: block i lands on disk i mod n.
type Striping struct{}

func (Striping) NextDisk(counter uint64, numDisks int) int {
	if numDisks <= 0 {
		return 0
	}
	return int(counter % uint64(numDisks))
}

// SimpleRandom picks a uniformly random disk per block, independent of
// the allocation counter. Rand is optional; when nil, NextDisk draws
// from the package-level generator (one shared, auto-seeded source)
// rather than minting a fresh fixed-seed *rand.Rand per call, which
// would return the same disk every time.
type SimpleRandom struct {
	Rand *rand.Rand
}

func (s SimpleRandom) NextDisk(_ uint64, numDisks int) int {
	if numDisks <= 0 {
		return 0
	}
	if s.Rand != nil {
		return s.Rand.Intn(numDisks)
	}
	return rand.Intn(numDisks)
}

// FullyRandom picks a uniformly random disk and, within it, a
// uniformly random free extent (rather than the lowest free extent) --
// the only strategy that influences slot selection as well as disk
// selection, per spec §4.1. Rand is optional, same fallback as
// SimpleRandom.
type FullyRandom struct {
	Rand *rand.Rand
}

func (f FullyRandom) NextDisk(_ uint64, numDisks int) int {
	if numDisks <= 0 {
		return 0
	}
	if f.Rand != nil {
		return f.Rand.Intn(numDisks)
	}
	return rand.Intn(numDisks)
}

func (f FullyRandom) randomSlot() bool { return true }

// RandomCyclic precomputes a random permutation of disk indices once
// and then cycles through it, so consecutive blocks hit every disk
// exactly once per numDisks allocations but in a shuffled order that's
// fixed for the lifetime of the strategy.
type RandomCyclic struct {
	perm []int
}

// NewRandomCyclic builds a RandomCyclic strategy for numDisks disks
// using rng for the one-time shuffle. If rng is nil, a fixed seed is
// used so the permutation is reproducible across runs with the same
// numDisks (useful for the deterministic seed tests in spec §8).
func NewRandomCyclic(numDisks int, rng *rand.Rand) *RandomCyclic {
	if rng == nil {
		rng = rand.New(rand.NewSource(0xdeadbeef))
	}
	perm := rng.Perm(numDisks)
	return &RandomCyclic{perm: perm}
}

func (r *RandomCyclic) NextDisk(counter uint64, numDisks int) int {
	if numDisks <= 0 || len(r.perm) == 0 {
		return 0
	}
	return r.perm[int(counter%uint64(len(r.perm)))%numDisks]
}
