// Package shardedmemory provides a physical memory model that partitions
// the physical address space into independently lockable shards.
package shardedmemory

import (
	"errors"
	"sync"
)

// ErrOutOfBounds is returned when an access reaches beyond the storage
// capacity.
var ErrOutOfBounds = errors.New("access beyond storage capacity")

type shard struct {
	sync.RWMutex
	data []byte
}

// A Storage keeps the physical memory of the guest system. The address
// space is split into fixed-size shards, each guarded by its own
// reader/writer lock, so that accesses from different vCPUs only contend
// when they touch the same shard.
type Storage struct {
	capacity  uint64
	shardSize uint64
	shards    []shard
}

// Capacity returns the number of bytes the storage can hold.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

// ShardSize returns the number of bytes each shard covers.
func (s *Storage) ShardSize() uint64 {
	return s.shardSize
}

// shardIndex is a pure function of the address.
func (s *Storage) shardIndex(addr uint64) int {
	return int(addr / s.shardSize)
}

// Read returns n bytes starting at addr. A read that crosses a shard
// boundary observes the same bytes a single contiguous store would.
func (s *Storage) Read(addr, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	if addr+n > s.capacity || addr+n < addr {
		return nil, ErrOutOfBounds
	}

	first := s.shardIndex(addr)
	last := s.shardIndex(addr + n - 1)

	// Every shard the range touches is locked in ascending shard-index
	// order so that two crossing accesses can never deadlock.
	for i := first; i <= last; i++ {
		s.shards[i].RLock()
	}

	data := s.copyOut(addr, n)

	for i := last; i >= first; i-- {
		s.shards[i].RUnlock()
	}

	return data, nil
}

// Write stores data starting at addr.
func (s *Storage) Write(addr uint64, data []byte) error {
	n := uint64(len(data))
	if n == 0 {
		return nil
	}

	if addr+n > s.capacity || addr+n < addr {
		return ErrOutOfBounds
	}

	first := s.shardIndex(addr)
	last := s.shardIndex(addr + n - 1)

	for i := first; i <= last; i++ {
		s.shards[i].Lock()
	}

	s.copyIn(addr, data)

	for i := last; i >= first; i-- {
		s.shards[i].Unlock()
	}

	return nil
}

// copyOut gathers bytes shard by shard. The caller holds the locks of
// every shard the range touches.
func (s *Storage) copyOut(addr, n uint64) []byte {
	res := make([]byte, n)

	currAddr := addr
	dataOffset := uint64(0)
	for currAddr < addr+n {
		index := s.shardIndex(currAddr)
		inShardAddr := currAddr - uint64(index)*s.shardSize

		lenLeft := n - dataOffset
		lenLeftInShard := uint64(len(s.shards[index].data)) - inShardAddr
		lenToRead := min(lenLeft, lenLeftInShard)

		copy(res[dataOffset:dataOffset+lenToRead],
			s.shards[index].data[inShardAddr:inShardAddr+lenToRead])

		dataOffset += lenToRead
		currAddr += lenToRead
	}

	return res
}

func (s *Storage) copyIn(addr uint64, data []byte) {
	currAddr := addr
	dataOffset := uint64(0)
	for dataOffset < uint64(len(data)) {
		index := s.shardIndex(currAddr)
		inShardAddr := currAddr - uint64(index)*s.shardSize

		lenLeft := uint64(len(data)) - dataOffset
		lenLeftInShard := uint64(len(s.shards[index].data)) - inShardAddr
		lenToWrite := min(lenLeft, lenLeftInShard)

		copy(s.shards[index].data[inShardAddr:inShardAddr+lenToWrite],
			data[dataOffset:dataOffset+lenToWrite])

		dataOffset += lenToWrite
		currAddr += lenToWrite
	}
}
