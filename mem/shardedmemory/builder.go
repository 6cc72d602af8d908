package shardedmemory

// A Builder can build sharded physical memory storages.
type Builder struct {
	capacity   uint64
	shardCount int
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		capacity:   1 << 30,
		shardCount: 16,
	}
}

// WithCapacity sets the total number of bytes the storage holds.
func (b Builder) WithCapacity(capacity uint64) Builder {
	b.capacity = capacity
	return b
}

// WithShardCount sets the number of independently locked shards the
// address space is partitioned into.
func (b Builder) WithShardCount(n int) Builder {
	b.shardCount = n
	return b
}

// Build creates the storage. The whole backing array is allocated at
// build time, matching a VM whose physical memory is fixed at boot.
func (b Builder) Build() *Storage {
	if b.capacity == 0 {
		panic("storage capacity must be positive")
	}

	if b.shardCount <= 0 {
		panic("shard count must be positive")
	}

	shardSize := (b.capacity + uint64(b.shardCount) - 1) / uint64(b.shardCount)

	s := &Storage{
		capacity:  b.capacity,
		shardSize: shardSize,
		shards:    make([]shard, b.shardCount),
	}

	remaining := b.capacity
	for i := range s.shards {
		size := min(shardSize, remaining)
		s.shards[i].data = make([]byte, size)
		remaining -= size
	}

	return s
}
