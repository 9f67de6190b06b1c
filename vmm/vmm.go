// Package vmm plays the hostvisor. It owns the host's view of RAM, donates
// memory to new guests and drives each of them through registration, image
// staging, verification and a first world switch, using nothing but
// hypercalls.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gohypsec/hypsec/config"
	"github.com/gohypsec/hypsec/core"
	"github.com/gohypsec/hypsec/hvc"
	"github.com/gohypsec/hypsec/memory"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/s2pt"
)

var errRejected = errors.New("hypercall rejected")

type image struct {
	name     string
	loadAddr uint64
	data     []byte
}

// Report summarizes a run.
type Report struct {
	Core core.Metrics `json:"core"`
	HVC  hvc.Stats    `json:"hvc"`
}

type VMM struct {
	config.Config
	*core.Core

	hv     *hvc.Dispatcher
	log    *logrus.Logger
	images [][]image

	mu     sync.Mutex
	ram    memory.Range
	layout *memory.Layout
}

func New(c config.Config, logger *logrus.Logger) *VMM {
	return &VMM{
		Config: c,
		log:    logger,
	}
}

// Init brings up the corevisor and reserves its memory in the host layout.
func (v *VMM) Init() error {
	c, err := core.New(v.Config, core.WithLogger(v.log))
	if err != nil {
		return err
	}

	v.Core = c
	v.hv = hvc.New(c, v.log)
	v.ram = memory.Range{Name: "ram", Start: v.PhysBase, Size: uint64(v.PhysSize)}
	v.layout = memory.NewLayout("host")

	return v.layout.Reserve(v.CorevisorRange())
}

// Setup reads every guest image.
func (v *VMM) Setup() error {
	v.images = make([][]image, len(v.Guests))

	for i, g := range v.Guests {
		for _, gi := range g.Images {
			data, err := os.ReadFile(gi.Path)
			if err != nil {
				return fmt.Errorf("guest %d: %w", i, err)
			}

			v.images[i] = append(v.images[i], image{
				name:     filepath.Base(gi.Path),
				loadAddr: gi.LoadAddr,
				data:     data,
			})
		}
	}

	return nil
}

// Boot brings all guests up concurrently and returns once each has
// completed its first world switch.
func (v *VMM) Boot(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range v.Guests {
		i := i

		g.Go(func() error {
			return v.bootGuest(ctx, i)
		})
	}

	return g.Wait()
}

func (v *VMM) Close() error {
	if v.Core == nil {
		return nil
	}

	return v.Core.Close()
}

func (v *VMM) Dispatcher() *hvc.Dispatcher { return v.hv }

func (v *VMM) Report() Report {
	return Report{Core: v.Metrics(), HVC: v.hv.Stats()}
}

// Layout returns the host's reservations.
func (v *VMM) Layout() []memory.Range {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]memory.Range(nil), v.layout.Ranges...)
}

func (v *VMM) alloc(name string, size, align uint64) (memory.Range, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.layout.Alloc(name, size, align, v.ram)
}

func (v *VMM) call(id hvc.Call, args ...uint64) (uint64, error) {
	ret, err := v.hv.Call(id, args...)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", id, err)
	}

	return ret, nil
}

func (v *VMM) bootGuest(ctx context.Context, i int) error {
	log := v.log.WithField("guest", i)
	g := v.Guests[i]

	regions := make([]uint64, mm.RegionCount)

	for r := range regions {
		rg, err := v.alloc(fmt.Sprintf("guest%d-pool%d", i, r), mm.SZ1M, mm.SZ1M)
		if err != nil {
			return err
		}

		regions[r] = rg.Start
	}

	vmid, err := v.call(hvc.RegisterKVM, regions...)
	if err != nil {
		return err
	}

	log = log.WithField("vmid", vmid)

	for _, img := range v.images[i] {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := v.stage(vmid, i, img); err != nil {
			return err
		}
	}

	if _, err := v.call(hvc.VerifyAndLoadImages, vmid); err != nil {
		return err
	}

	for cpu := 0; cpu < g.VCPUs; cpu++ {
		for _, id := range []hvc.Call{hvc.RegisterVCPU, hvc.SetVCPUActive, hvc.SetVCPUInactive} {
			if _, err := v.call(id, vmid, uint64(cpu)); err != nil {
				return err
			}
		}
	}

	if err := v.backMemory(vmid, i, g); err != nil {
		return err
	}

	log.WithField("vcpus", g.VCPUs).Info("guest booted")

	return nil
}

// stage copies img into fresh host pages and hands them to the corevisor.
func (v *VMM) stage(vmid uint64, i int, img image) error {
	size := uint64(len(img.data))

	idx, err := v.call(hvc.SetBootInfo, vmid, img.loadAddr, size)
	if err != nil {
		return err
	}

	if uint32(idx) == core.InvalidLoadIdx {
		return fmt.Errorf("guest %d: %s at %#x: %w", i, img.name, img.loadAddr, errRejected)
	}

	pages := mm.PageCount(size)

	rg, err := v.alloc(fmt.Sprintf("guest%d-%s", i, img.name), pages*mm.PageSize, mm.PageSize)
	if err != nil {
		return err
	}

	v.Memory().Write(rg.Start, img.data)

	for p := uint64(0); p < pages; p++ {
		if _, err := v.call(hvc.RemapVMImage, vmid, mm.PFN(rg.Start)+p, idx); err != nil {
			return err
		}
	}

	return nil
}

// backMemory maps guest memory with 2MB blocks, then shares and unshares
// its first page the way a paravirtual ring would be set up.
func (v *VMM) backMemory(vmid uint64, i int, g config.Guest) error {
	size := uint64(g.MemSize)
	if size == 0 {
		return nil
	}

	rg, err := v.alloc(fmt.Sprintf("guest%d-mem", i), size, mm.PMDSize)
	if err != nil {
		return err
	}

	for off := uint64(0); off < size; off += mm.PMDSize {
		pte := uint64(s2pt.NewPage(rg.Start+off, s2pt.PageNormalRW))

		if _, err := v.call(hvc.MapPFN, vmid, g.MemBase+off, pte, s2pt.LevelBlock); err != nil {
			return err
		}
	}

	for _, id := range []hvc.Call{hvc.GrantRange, hvc.RevokeRange} {
		if _, err := v.call(id, vmid, g.MemBase, mm.PageSize); err != nil {
			return err
		}
	}

	return nil
}
