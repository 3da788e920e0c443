package crdt

// A PNCounter tracks increments and decrements as two grow-only
// counters. Its value is the difference between the two and may be
// negative.
type PNCounter struct {
	positive GCounter
	negative GCounter
	version  uint64
}

func NewPNCounter() PNCounter {
	return PNCounter{positive: NewGCounter(), negative: NewGCounter()}
}

func (c PNCounter) Kind() Kind      { return KindPNCounter }
func (c PNCounter) Version() uint64 { return c.version }

func (c PNCounter) Value() int64 {
	return int64(c.positive.Value()) - int64(c.negative.Value())
}

func (c PNCounter) Increment(node string) (PNCounter, error) {
	return c.IncrementBy(node, 1)
}

func (c PNCounter) IncrementBy(node string, amount uint64) (PNCounter, error) {
	positive, err := c.positive.IncrementBy(node, amount)
	if err != nil {
		return c, err
	}
	return PNCounter{positive: positive, negative: c.negative.Clone().(GCounter), version: c.version + 1}, nil
}

func (c PNCounter) Decrement(node string) (PNCounter, error) {
	return c.DecrementBy(node, 1)
}

func (c PNCounter) DecrementBy(node string, amount uint64) (PNCounter, error) {
	negative, err := c.negative.IncrementBy(node, amount)
	if err != nil {
		return c, err
	}
	return PNCounter{positive: c.positive.Clone().(GCounter), negative: negative, version: c.version + 1}, nil
}

func (c PNCounter) Merge(other State) (State, error) {
	remote, ok := other.(PNCounter)
	if !ok {
		return c, ErrKindMismatch
	}
	positive, err := c.positive.Merge(remote.positive)
	if err != nil {
		return c, err
	}
	negative, err := c.negative.Merge(remote.negative)
	if err != nil {
		return c, err
	}
	version := c.version
	if remote.version > version {
		version = remote.version
	}
	return PNCounter{positive: positive.(GCounter), negative: negative.(GCounter), version: version}, nil
}

func (c PNCounter) Delta(newer State) (State, error) {
	remote, ok := newer.(PNCounter)
	if !ok {
		return nil, ErrKindMismatch
	}
	positive, err := c.positive.Delta(remote.positive)
	if err != nil {
		return nil, err
	}
	negative, err := c.negative.Delta(remote.negative)
	if err != nil {
		return nil, err
	}
	return PNCounter{positive: positive.(GCounter), negative: negative.(GCounter), version: remote.version}, nil
}

func (c PNCounter) Clone() State {
	return PNCounter{
		positive: c.positive.Clone().(GCounter),
		negative: c.negative.Clone().(GCounter),
		version:  c.version,
	}
}

func (c PNCounter) equal(other PNCounter) bool {
	return c.positive.equal(other.positive) && c.negative.equal(other.negative)
}
