package shardedmemory_test

import (
	"bytes"
	"encoding/binary"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/guestmem/mem/shardedmemory"
)

var _ = Describe("Storage", func() {
	It("should read and write within one shard", func() {
		storage := shardedmemory.MakeBuilder().
			WithCapacity(8192).
			WithShardCount(2).
			Build()

		Expect(storage.Write(0, []byte{1, 2, 3, 4})).To(Succeed())

		res, err := storage.Read(0, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal([]byte{1, 2}))

		res, err = storage.Read(1, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal([]byte{2, 3}))
	})

	It("should read and write across a shard boundary", func() {
		storage := shardedmemory.MakeBuilder().
			WithCapacity(8192).
			WithShardCount(2).
			Build()
		Expect(storage.ShardSize()).To(Equal(uint64(4096)))

		// An 8-byte value straddling the boundary at 4096 must read back
		// as if the memory were one flat array.
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, 0x1122334455667788)
		Expect(storage.Write(4092, buf)).To(Succeed())

		res, err := storage.Read(4092, 8)
		Expect(err).ToNot(HaveOccurred())
		Expect(binary.LittleEndian.Uint64(res)).
			To(Equal(uint64(0x1122334455667788)))

		res, err = storage.Read(4094, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(buf[2:4]))
	})

	It("should return an error when accessing beyond the capacity", func() {
		storage := shardedmemory.MakeBuilder().
			WithCapacity(4096).
			WithShardCount(2).
			Build()

		err := storage.Write(4095, []byte{1, 2})
		Expect(err).To(MatchError(shardedmemory.ErrOutOfBounds))

		_, err = storage.Read(4095, 2)
		Expect(err).To(MatchError(shardedmemory.ErrOutOfBounds))
	})

	It("should allow zero-length accesses anywhere", func() {
		storage := shardedmemory.MakeBuilder().
			WithCapacity(4096).
			Build()

		Expect(storage.Write(4096, nil)).To(Succeed())

		res, err := storage.Read(4096, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(BeEmpty())
	})

	It("should cover a capacity that does not divide evenly", func() {
		storage := shardedmemory.MakeBuilder().
			WithCapacity(10000).
			WithShardCount(3).
			Build()

		data := []byte{9, 8, 7}
		Expect(storage.Write(9997, data)).To(Succeed())

		res, err := storage.Read(9997, 3)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(data))
	})

	It("should keep a crossing access atomic across every touched shard", func() {
		storage := shardedmemory.MakeBuilder().
			WithCapacity(300).
			WithShardCount(6).
			Build()
		Expect(storage.ShardSize()).To(Equal(uint64(50)))

		// The range spans four shards, so the middle shards are touched
		// too; a concurrent reader must observe one whole write, never a
		// mix of two.
		const start, length = 40, 160
		patternA := bytes.Repeat([]byte{0xAA}, length)
		patternB := bytes.Repeat([]byte{0xBB}, length)
		Expect(storage.Write(start, patternA)).To(Succeed())

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()

			for i := range 200 {
				pattern := patternA
				if i%2 == 1 {
					pattern = patternB
				}
				Expect(storage.Write(start, pattern)).To(Succeed())
			}
		}()

		for range 200 {
			res, err := storage.Read(start, length)
			Expect(err).ToNot(HaveOccurred())
			for _, b := range res[1:] {
				Expect(b).To(Equal(res[0]))
			}
		}

		wg.Wait()
	})

	It("should keep concurrent writers to different shards isolated", func() {
		storage := shardedmemory.MakeBuilder().
			WithCapacity(1 << 20).
			WithShardCount(16).
			Build()

		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()

				addr := uint64(i) * storage.ShardSize()
				data := []byte{byte(i), byte(i + 1)}
				Expect(storage.Write(addr, data)).To(Succeed())
			}()
		}
		wg.Wait()

		for i := range 16 {
			addr := uint64(i) * storage.ShardSize()
			res, err := storage.Read(addr, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(res).To(Equal([]byte{byte(i), byte(i + 1)}))
		}
	})
})
