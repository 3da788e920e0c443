package crdt

import (
	"fmt"
	"math/rand"
	"sync/atomic"
)

// Randomized value generators used by the semilattice law tests.
// Counters and sets are built by applying random mutations from the
// identity through the public API; registers are built directly with
// timestamps from generatorClock (see below).

func GenerateGCounter(rnd *rand.Rand, authors []string) GCounter {
	counter := NewGCounter()
	for i := 0; i < rnd.Intn(8); i++ {
		counter, _ = counter.IncrementBy(authors[rnd.Intn(len(authors))], uint64(rnd.Intn(10)+1))
	}
	return counter
}

func GeneratePNCounter(rnd *rand.Rand, authors []string) PNCounter {
	counter := NewPNCounter()
	for i := 0; i < rnd.Intn(8); i++ {
		author := authors[rnd.Intn(len(authors))]
		if rnd.Intn(2) == 0 {
			counter, _ = counter.IncrementBy(author, uint64(rnd.Intn(10)+1))
		} else {
			counter, _ = counter.DecrementBy(author, uint64(rnd.Intn(10)+1))
		}
	}
	return counter
}

// generatorClock hands every generated write a distinct timestamp:
// two registers that tie on (timestamp, author) but disagree on value
// would not be replicas of the same history.
var generatorClock int64

func GenerateLWWRegister(rnd *rand.Rand, authors []string) LWWRegister {
	register := NewLWWRegister()
	for i := 0; i < rnd.Intn(4); i++ {
		register = LWWRegister{
			value:     fmt.Sprintf("value-%d", rnd.Intn(100)),
			timestamp: atomic.AddInt64(&generatorClock, 1),
			author:    authors[rnd.Intn(len(authors))],
			version:   register.version + 1,
		}
	}
	return register
}

func GenerateORSet(rnd *rand.Rand, authors []string) ORSet {
	set := NewORSet()
	for i := 0; i < rnd.Intn(12); i++ {
		element := fmt.Sprintf("element-%d", rnd.Intn(6))
		if rnd.Intn(3) == 0 {
			set, _ = set.Remove(element)
		} else {
			set, _ = set.Add(element, authors[rnd.Intn(len(authors))])
		}
	}
	return set
}

func Generate(kind Kind, rnd *rand.Rand, authors []string) (State, error) {
	switch kind {
	case KindGCounter:
		return GenerateGCounter(rnd, authors), nil
	case KindPNCounter:
		return GeneratePNCounter(rnd, authors), nil
	case KindLWWRegister:
		return GenerateLWWRegister(rnd, authors), nil
	case KindORSet:
		return GenerateORSet(rnd, authors), nil
	default:
		return nil, ErrUnknownKind
	}
}
