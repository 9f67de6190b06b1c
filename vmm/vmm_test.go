package vmm_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/gohypsec/hypsec/attest"
	"github.com/gohypsec/hypsec/config"
	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/hvc"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/vm"
	"github.com/gohypsec/hypsec/vmm"
)

// scenario writes a kernel and an initrd, signs them, and returns a config
// booting guests copies of them.
func scenario(t *testing.T, guests int, tamper bool) config.Config {
	t.Helper()

	pub, priv, err := attest.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	blobs := [][]byte{
		bytes.Repeat([]byte("kernel"), 3000),
		bytes.Repeat([]byte("initrd"), 500),
	}

	cfg := config.Default()
	cfg.PhysSize = 128 << 20
	cfg.PublicKey = hex.EncodeToString(pub)

	var images []config.GuestImage

	for slot, b := range blobs {
		cfg.Images = append(cfg.Images, config.Image{
			Slot:      uint32(slot),
			Signature: hex.EncodeToString(attest.Sign(priv, b)),
		})

		if tamper {
			b = append([]byte("x"), b[1:]...)
		}

		path := filepath.Join(dir, []string{"Image", "initrd"}[slot])
		if err := os.WriteFile(path, b, 0o600); err != nil {
			t.Fatal(err)
		}

		images = append(images, config.GuestImage{Path: path, LoadAddr: 0x8_0000 + uint64(slot)*0x10_0000})
	}

	for i := 0; i < guests; i++ {
		cfg.Guests = append(cfg.Guests, config.Guest{
			VCPUs:   2,
			MemBase: 0x4000_0000,
			MemSize: 4 << 20,
			Images:  images,
		})
	}

	return cfg
}

func boot(t *testing.T, cfg config.Config) (*vmm.VMM, error) {
	t.Helper()

	logger, _ := test.NewNullLogger()
	v := vmm.New(cfg, logger)

	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { v.Close() })

	if err := v.Setup(); err != nil {
		t.Fatal(err)
	}

	return v, v.Boot(context.Background())
}

func TestBootGuests(t *testing.T) {
	t.Parallel()

	const guests = 3

	v, err := boot(t, scenario(t, guests, false))
	if err != nil {
		t.Fatal(err)
	}

	for vmid := owner.Domain(1); vmid <= guests; vmid++ {
		info := v.VM(vmid)
		if info.State != vm.Verified || info.NextLoadIdx != 2 {
			t.Errorf("vm %d: state %v, %d images", vmid, info.State, info.NextLoadIdx)
		}

		for cpu, c := range info.VCPUs[:2] {
			if c.State != vm.VCPUReady {
				t.Errorf("vm %d vcpu %d: %v", vmid, cpu, c.State)
			}
		}

		if _, ok := v.Translate(vmid, 0x4000_0000+mm.PMDSize+0x10); !ok {
			t.Errorf("vm %d: guest memory not backed", vmid)
		}
	}

	r := v.Report()
	if r.Core.VMsRegistered != guests || r.Core.ImagesVerified != 2*guests || r.HVC.Faults != 0 {
		t.Fatalf("report %+v", r)
	}

	if r.Core.PagesGranted != guests || r.Core.PagesRevoked != guests {
		t.Fatalf("share round %+v", r.Core)
	}

	// corevisor, eight pool regions, two images and memory per guest
	if got := len(v.Layout()); got != 1+guests*11 {
		t.Fatalf("%d host reservations", got)
	}
}

func TestBootRejectsTamperedImage(t *testing.T) {
	t.Parallel()

	v, err := boot(t, scenario(t, 2, true))
	if !errors.Is(err, fault.ErrFault) {
		t.Fatalf("Boot = %v", err)
	}

	if f := v.Report(); f.HVC.Faults == 0 {
		t.Fatalf("report %+v", f)
	}

	if _, err := v.Dispatcher().Call(hvc.VMIsIncExe, 1); !errors.Is(err, hvc.ErrHalted) {
		t.Fatalf("dispatcher still serving: %v", err)
	}
}

func TestSetupMissingImage(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Guests = []config.Guest{{VCPUs: 1, Images: []config.GuestImage{{Path: "/nonexistent/Image"}}}}

	logger, _ := test.NewNullLogger()
	v := vmm.New(cfg, logger)

	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	defer v.Close()

	if err := v.Setup(); err == nil {
		t.Fatal("missing image accepted")
	}
}
