// The guestmem command drives synthetic guest workloads through the
// address-translation fast path and reports TLB and prefetch
// statistics.
package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sarchlab/guestmem/datarecording"
	"github.com/sarchlab/guestmem/mem/shardedmemory"
	"github.com/sarchlab/guestmem/mem/vm"
	"github.com/sarchlab/guestmem/mem/vm/prefetch"
	"github.com/sarchlab/guestmem/mem/vm/tlb"
)

var (
	flagVCPUs      int
	flagAccesses   int
	flagWorkload   string
	flagL1Cap      int
	flagL2Cap      int
	flagL3Cap      int
	flagPolicy     string
	flagMemSize    uint64
	flagShards     int
	flagTracePath  string
	flagInterval   uint64
	flagSeed       int64
	flagPIDSwitch  bool
	flagStrideSize uint64
)

var rootCmd = &cobra.Command{
	Use:   "guestmem",
	Short: "Run synthetic guest memory workloads against the TLB fast path.",
	Long: `guestmem builds a sharded physical memory, a multi-level TLB ` +
		`hierarchy, and a dynamic prefetcher, then replays a synthetic ` +
		`access pattern through them and prints the resulting statistics.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().IntVar(&flagVCPUs, "vcpus", 1,
		"number of vCPUs, each with a private L1")
	rootCmd.Flags().IntVar(&flagAccesses, "accesses", 100000,
		"number of accesses to replay")
	rootCmd.Flags().StringVar(&flagWorkload, "workload", "sequential",
		"access pattern: sequential, stride, loop, or random")
	rootCmd.Flags().IntVar(&flagL1Cap, "l1", 64, "L1 capacity in entries")
	rootCmd.Flags().IntVar(&flagL2Cap, "l2", 256, "L2 capacity in entries")
	rootCmd.Flags().IntVar(&flagL3Cap, "l3", 1024, "L3 capacity in entries")
	rootCmd.Flags().StringVar(&flagPolicy, "policy", "dynamic",
		"replacement policy for L2/L3: frequency, lru, hybrid, "+
			"two-queue, clock, or dynamic")
	rootCmd.Flags().Uint64Var(&flagMemSize, "memory", 1<<30,
		"physical memory size in bytes")
	rootCmd.Flags().IntVar(&flagShards, "shards", 16,
		"number of physical memory shards")
	rootCmd.Flags().StringVar(&flagTracePath, "trace", "",
		"record the access trace into a SQLite database at this path")
	rootCmd.Flags().Uint64Var(&flagInterval, "prefetch-interval", 16,
		"translations between two prefetch rounds")
	rootCmd.Flags().Int64Var(&flagSeed, "seed", 1, "workload RNG seed")
	rootCmd.Flags().BoolVar(&flagPIDSwitch, "reset-on-pid-switch", false,
		"clear pattern state when the address space changes")
	rootCmd.Flags().Uint64Var(&flagStrideSize, "stride", 16384,
		"stride in bytes for the stride workload")
}

func main() {
	// A .env file can override the defaults, e.g. GUESTMEM_TRACE=run1.
	_ = godotenv.Load()
	applyEnvDefaults()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func applyEnvDefaults() {
	if v := os.Getenv("GUESTMEM_TRACE"); v != "" {
		flagTracePath = v
	}

	if v := os.Getenv("GUESTMEM_VCPUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			flagVCPUs = n
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	policy, err := parsePolicy(flagPolicy)
	if err != nil {
		return err
	}

	storage := shardedmemory.MakeBuilder().
		WithCapacity(flagMemSize).
		WithShardCount(flagShards).
		Build()

	walker := &linearWalker{numPages: flagMemSize >> 12}

	builder := tlb.MakeBuilder().
		WithNumVCPU(flagVCPUs).
		WithL1Capacity(flagL1Cap).
		WithL2Capacity(flagL2Cap).
		WithL3Capacity(flagL3Cap).
		WithL2Policy(policy).
		WithL3Policy(policy).
		WithWalker(walker)

	hierarchy := builder.Build("TLB")

	if flagTracePath != "" {
		recorder := datarecording.New(flagTracePath)
		tracer := datarecording.NewAccessTracer(recorder, "access_trace")
		hierarchy.AddObserver(tracer)
		defer recorder.Flush()
	}

	prefetcher := prefetch.MakeBuilder().
		WithTLB(hierarchy).
		WithWalker(walker).
		WithInterval(flagInterval).
		WithResetOnPIDSwitch(flagPIDSwitch).
		Build()
	hierarchy.AddObserver(prefetcher)

	if err := replay(hierarchy, prefetcher, storage); err != nil {
		return err
	}

	report(cmd, hierarchy, prefetcher)

	return nil
}

func replay(
	hierarchy *tlb.Comp,
	prefetcher *prefetch.Prefetcher,
	storage *shardedmemory.Storage,
) error {
	rng := rand.New(rand.NewSource(flagSeed))
	next := makeWorkload(rng)

	buf := make([]byte, 8)
	for i := 0; i < flagAccesses; i++ {
		vAddr := next()

		// Spread the workload round-robin over the vCPUs so that every
		// private L1 sees traffic.
		vcpu := i % hierarchy.NumVCPU()

		paddr, _, err := hierarchy.Translate(vcpu, vAddr, 1, vm.AccessRead)
		if err != nil {
			// Faults are part of the workload; the guest would handle
			// them and retry.
			continue
		}

		if paddr+8 <= storage.Capacity() {
			binary.LittleEndian.PutUint64(buf, vAddr)
			if err := storage.Write(paddr, buf); err != nil {
				return err
			}
		}

		prefetcher.MaybePrefetch(vcpu)
	}

	return nil
}

func makeWorkload(rng *rand.Rand) func() uint64 {
	const pageSize = 4096

	switch flagWorkload {
	case "sequential":
		var i uint64
		return func() uint64 {
			i++
			return i * pageSize
		}
	case "stride":
		var i uint64
		return func() uint64 {
			i++
			return i * flagStrideSize
		}
	case "loop":
		addrs := []uint64{0x10000, 0x20000, 0x30000, 0x40000}
		var i int
		return func() uint64 {
			a := addrs[i%len(addrs)]
			i++
			return a
		}
	case "random":
		return func() uint64 {
			return uint64(rng.Int63n(int64(flagMemSize)))
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown workload %s, using sequential\n",
			flagWorkload)
		var i uint64
		return func() uint64 {
			i++
			return i * pageSize
		}
	}
}

func parsePolicy(name string) (tlb.Policy, error) {
	switch name {
	case "frequency":
		return tlb.PolicyFrequencyBasedLRU, nil
	case "lru":
		return tlb.PolicyTimeBasedLRU, nil
	case "hybrid":
		return tlb.PolicyHybrid, nil
	case "two-queue":
		return tlb.PolicyTwoQueue, nil
	case "clock":
		return tlb.PolicyClock, nil
	case "dynamic":
		return tlb.PolicyDynamic, nil
	default:
		return 0, fmt.Errorf("unknown replacement policy %q", name)
	}
}

func report(
	cmd *cobra.Command,
	hierarchy *tlb.Comp,
	prefetcher *prefetch.Prefetcher,
) {
	stats := hierarchy.Stats()
	pStats := prefetcher.Stats()

	cmd.Printf("accesses        %d\n", stats.Lookups())
	cmd.Printf("l1 hits         %d\n", stats.L1Hits)
	cmd.Printf("l2 hits         %d\n", stats.L2Hits)
	cmd.Printf("l3 hits         %d\n", stats.L3Hits)
	cmd.Printf("misses          %d\n", stats.Misses)
	cmd.Printf("walks           %d\n", stats.Walks)
	cmd.Printf("faults          %d\n", stats.Faults)
	cmd.Printf("hit rate        %.2f%%\n", stats.HitRate()*100)
	cmd.Printf("pattern         %s\n", pStats.CurrentPattern)
	cmd.Printf("predictions     %d\n", pStats.TotalPredictions)
	cmd.Printf("pred. accuracy  %.2f%%\n", pStats.Accuracy*100)
}

// linearWalker is a stand-in page-table walker that identity-maps every
// page that fits in physical memory.
type linearWalker struct {
	numPages uint64
}

func (w *linearWalker) Walk(
	vAddr uint64,
	pid vm.PID,
	access vm.AccessType,
) (vm.Page, error) {
	vpn := vAddr >> 12
	if vpn >= w.numPages {
		return vm.Page{}, vm.NewNoMappingFault(pid, vAddr, access)
	}

	return vm.Page{
		PID:   pid,
		VPN:   vpn,
		PPN:   vpn,
		Perms: vm.PermRead | vm.PermWrite | vm.PermExecute,
	}, nil
}
