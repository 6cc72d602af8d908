package tlb_test

import (
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/guestmem/mem/vm"
	"github.com/sarchlab/guestmem/mem/vm/tlb"
)

var _ = Describe("TLB hierarchy", func() {
	var (
		mockCtrl *gomock.Controller
		walker   *MockWalker
		comp     *tlb.Comp
	)

	page := vm.Page{
		PID:   1,
		VPN:   0x10,
		PPN:   0x55,
		Perms: vm.PermRead | vm.PermWrite,
	}
	vAddr := uint64(0x10234)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		walker = NewMockWalker(mockCtrl)

		comp = tlb.MakeBuilder().
			WithNumVCPU(2).
			WithL1Capacity(4).
			WithL2Capacity(8).
			WithL3Capacity(16).
			WithWalker(walker).
			Build("TLB")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should walk on a miss and hit L1 afterwards", func() {
		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(page, nil)

		paddr, perms, err := comp.Translate(0, vAddr, 1, vm.AccessRead)

		Expect(err).ToNot(HaveOccurred())
		Expect(paddr).To(Equal(uint64(0x55234)))
		Expect(perms).To(Equal(vm.PermRead | vm.PermWrite))

		paddr, _, err = comp.Translate(0, vAddr, 1, vm.AccessRead)

		Expect(err).ToNot(HaveOccurred())
		Expect(paddr).To(Equal(uint64(0x55234)))

		stats := comp.Stats()
		Expect(stats.Walks).To(Equal(uint64(1)))
		Expect(stats.Misses).To(Equal(uint64(1)))
		Expect(stats.L1Hits).To(Equal(uint64(1)))
	})

	It("should serve another vCPU from the shared levels", func() {
		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(page, nil)

		_, _, err := comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())

		paddr, _, err := comp.Translate(1, vAddr, 1, vm.AccessRead)

		Expect(err).ToNot(HaveOccurred())
		Expect(paddr).To(Equal(uint64(0x55234)))

		stats := comp.Stats()
		Expect(stats.Walks).To(Equal(uint64(1)))
		Expect(stats.L2Hits).To(Equal(uint64(1)))

		// The hit promoted the entry into vCPU 1's private L1.
		Expect(comp.ResidentInL1(1, page.VPN, 1)).To(BeTrue())
	})

	It("should surface a no-mapping fault without caching it", func() {
		fault := vm.NewNoMappingFault(1, vAddr, vm.AccessRead)
		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(vm.Page{}, fault).
			Times(2)

		_, _, err := comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(vm.IsNoMapping(err)).To(BeTrue())

		_, _, err = comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(vm.IsNoMapping(err)).To(BeTrue())

		Expect(comp.Stats().Faults).To(Equal(uint64(2)))
	})

	It("should fault on a cached mapping that denies the access", func() {
		roPage := page
		roPage.Perms = vm.PermRead

		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(roPage, nil).
			Times(2)

		_, _, err := comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())

		_, _, err = comp.Translate(0, vAddr, 1, vm.AccessWrite)
		Expect(vm.IsPermissionDenied(err)).To(BeTrue())

		// The offending mapping is dropped, so a read walks again.
		_, _, err = comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should fault when the walk result denies the access", func() {
		roPage := page
		roPage.Perms = vm.PermRead

		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessWrite).
			Return(roPage, nil)

		_, _, err := comp.Translate(0, vAddr, 1, vm.AccessWrite)

		Expect(vm.IsPermissionDenied(err)).To(BeTrue())
		Expect(comp.ResidentInL1(0, page.VPN, 1)).To(BeFalse())
	})

	It("should re-walk after FlushEntry", func() {
		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(page, nil).
			Times(2)

		_, _, err := comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())

		comp.FlushEntry(page.VPN, 1)
		Expect(comp.ResidentInL1(0, page.VPN, 1)).To(BeFalse())

		_, _, err = comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should flush only the requested address space", func() {
		otherPage := vm.Page{
			PID:   2,
			VPN:   0x10,
			PPN:   0x77,
			Perms: vm.PermRead,
		}

		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(page, nil)
		walker.EXPECT().
			Walk(vAddr, vm.PID(2), vm.AccessRead).
			Return(otherPage, nil)

		_, _, err := comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())
		_, _, err = comp.Translate(0, vAddr, 2, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())

		comp.FlushPID(1)

		Expect(comp.ResidentInL1(0, page.VPN, 1)).To(BeFalse())
		Expect(comp.ResidentInL1(0, otherPage.VPN, 2)).To(BeTrue())
	})

	It("should leave the hierarchy empty after repeated FlushAll", func() {
		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(page, nil).
			Times(2)

		_, _, err := comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())

		comp.FlushAll()
		comp.FlushAll()

		Expect(comp.ResidentInL1(0, page.VPN, 1)).To(BeFalse())

		// The shared levels are empty too, so the next lookup walks.
		_, _, err = comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())
		Expect(comp.Stats().Walks).To(Equal(uint64(2)))
	})

	It("should not commit a fill whose walk raced with a flush", func() {
		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			DoAndReturn(func(
				vAddr uint64, pid vm.PID, access vm.AccessType,
			) (vm.Page, error) {
				comp.FlushEntry(page.VPN, pid)
				return page, nil
			})
		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(page, nil)

		paddr, _, err := comp.Translate(0, vAddr, 1, vm.AccessRead)

		// The translation itself succeeds; only the cached copy is lost.
		Expect(err).ToNot(HaveOccurred())
		Expect(paddr).To(Equal(uint64(0x55234)))
		Expect(comp.ResidentInL1(0, page.VPN, 1)).To(BeFalse())

		// No level cached the raced fill, so the next lookup walks again.
		_, _, err = comp.Translate(0, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())
		Expect(comp.Stats().Walks).To(Equal(uint64(2)))
	})

	It("should fill speculatively into L1 only", func() {
		token := comp.PrepareFill(page.VPN, 1)

		committed := comp.FillSpeculative(0, page, token)

		Expect(committed).To(BeTrue())
		Expect(comp.ResidentInL1(0, page.VPN, 1)).To(BeTrue())

		// The shared levels were skipped, so the other vCPU must walk.
		walker.EXPECT().
			Walk(vAddr, vm.PID(1), vm.AccessRead).
			Return(page, nil)

		_, _, err := comp.Translate(1, vAddr, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())

		stats := comp.Stats()
		Expect(stats.L2Hits).To(Equal(uint64(0)))
		Expect(stats.L3Hits).To(Equal(uint64(0)))
	})

	It("should promote a speculative entry on its first demand hit", func() {
		token := comp.PrepareFill(page.VPN, 1)
		comp.FillSpeculative(0, page, token)

		paddr, _, err := comp.Translate(0, vAddr, 1, vm.AccessRead)

		Expect(err).ToNot(HaveOccurred())
		Expect(paddr).To(Equal(uint64(0x55234)))
		Expect(comp.Stats().L1Hits).To(Equal(uint64(1)))
		Expect(comp.Stats().Walks).To(Equal(uint64(0)))
	})

	It("should reject a speculative fill after a flush", func() {
		token := comp.PrepareFill(page.VPN, 1)
		comp.FlushEntry(page.VPN, 1)

		committed := comp.FillSpeculative(0, page, token)

		Expect(committed).To(BeFalse())
		Expect(comp.ResidentInL1(0, page.VPN, 1)).To(BeFalse())
	})

	It("should bound each level by its capacity", func() {
		walker.EXPECT().
			Walk(gomock.Any(), vm.PID(1), vm.AccessRead).
			DoAndReturn(func(
				vAddr uint64, pid vm.PID, access vm.AccessType,
			) (vm.Page, error) {
				return vm.Page{
					PID:   pid,
					VPN:   vAddr >> 12,
					PPN:   vAddr >> 12,
					Perms: vm.PermRead,
				}, nil
			}).
			Times(10)

		for i := range 10 {
			_, _, err := comp.Translate(
				0, uint64(i)<<12, 1, vm.AccessRead)
			Expect(err).ToNot(HaveOccurred())
		}

		// L1 holds the last 4 pages, L2 the last 8, L3 all 10.
		Expect(comp.ResidentInL1(0, 9, 1)).To(BeTrue())
		Expect(comp.ResidentInL1(0, 0, 1)).To(BeFalse())

		_, _, err := comp.Translate(0, 0, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())
		Expect(comp.Stats().L3Hits).To(Equal(uint64(1)))

		_, _, err = comp.Translate(1, 2<<12, 1, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())
		Expect(comp.Stats().L2Hits).To(Equal(uint64(1)))
	})

	It("should translate correctly under concurrent flushes", func() {
		walker.EXPECT().
			Walk(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(
				vAddr uint64, pid vm.PID, access vm.AccessType,
			) (vm.Page, error) {
				return vm.Page{
					PID:   pid,
					VPN:   vAddr >> 12,
					PPN:   vAddr >> 12,
					Perms: vm.PermRead,
				}, nil
			}).
			AnyTimes()

		var wg sync.WaitGroup
		var mismatches atomic.Uint64

		for w := range 4 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				vcpu := w % 2
				for i := range 500 {
					vpn := uint64(i % 8)
					wantPAddr := vpn << 12
					paddr, _, err := comp.Translate(
						vcpu, vpn<<12, 1, vm.AccessRead)
					if err != nil || paddr != wantPAddr {
						mismatches.Add(1)
					}
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()

			for i := range 200 {
				switch i % 3 {
				case 0:
					comp.FlushEntry(uint64(i%8), 1)
				case 1:
					comp.FlushPID(1)
				default:
					comp.FlushAll()
				}
			}
		}()

		wg.Wait()

		Expect(mismatches.Load()).To(Equal(uint64(0)))

		comp.FlushAll()
		for vpn := range uint64(8) {
			Expect(comp.ResidentInL1(0, vpn, 1)).To(BeFalse())
			Expect(comp.ResidentInL1(1, vpn, 1)).To(BeFalse())
		}
	})
})
