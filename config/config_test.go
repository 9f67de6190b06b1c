package config_test

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gohypsec/hypsec/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hypsec.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in, unit string
		want     uint64
	}{
		{"1G", "", 1 << 30},
		{"256m", "", 256 << 20},
		{"4", "k", 4 << 10},
		{"0x1000", "", 0x1000},
	} {
		got, err := config.ParseSize(tc.in, tc.unit)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", tc.in, err)
		}

		if got != tc.want {
			t.Errorf("ParseSize(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "G", "12X", "4MG", "17179869184G"} {
		if _, err := config.ParseSize(bad, ""); err == nil {
			t.Errorf("ParseSize(%q) accepted", bad)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	key := strings.Repeat("ab", 32)
	sig := strings.Repeat("cd", 64)

	path := writeConfig(t, `
phys_base = 0x8000_0000
phys_size = "64M"
corevisor_base = 0x8000_0000
max_load_info = 3
log_level = "debug"
public_key = "`+key+`"

[[image]]
slot = 0
signature = "`+sig+`"

[[guest]]
vcpus = 2
mem_base = 0x4000_0000
mem_size = "4M"
images = [{ path = "kernel.img", load_addr = 0x8_0000 }]
`)

	c, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	want := config.Default()
	want.PhysBase = 0x8000_0000
	want.PhysSize = 64 << 20
	want.CorevisorBase = 0x8000_0000
	want.MaxLoadInfo = 3
	want.LogLevel = "debug"
	want.PublicKey = key
	want.Images = []config.Image{{Slot: 0, Signature: sig}}
	want.Guests = []config.Guest{{
		VCPUs:   2,
		MemBase: 0x4000_0000,
		MemSize: 4 << 20,
		Images:  []config.GuestImage{{Path: "kernel.img", LoadAddr: 0x8_0000}},
	}}

	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	m, err := c.Manifest()
	if err != nil {
		t.Fatal(err)
	}

	if hex.EncodeToString(m.Signature(0)) != sig {
		t.Fatal("manifest signature mismatch")
	}

	if len(c.Key()) != 32 {
		t.Fatal("public key not decoded")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	for name, mutate := range map[string]func(*config.Config){
		"corevisor outside ram": func(c *config.Config) { c.CorevisorBase = c.PhysBase + uint64(c.PhysSize) },
		"corevisor unaligned":   func(c *config.Config) { c.CorevisorBase += 0x1000 },
		"empty ram":             func(c *config.Config) { c.PhysSize = 0 },
		"remap too high":        func(c *config.Config) { c.RemapBase = 1 << 48 },
		"no load slots":         func(c *config.Config) { c.MaxLoadInfo = 0 },
		"no vcpus":              func(c *config.Config) { c.VCPUsPerVM = 0 },
		"bad level":             func(c *config.Config) { c.LogLevel = "loud" },
		"bad key":               func(c *config.Config) { c.PublicKey = "00" },
		"guest vcpus":           func(c *config.Config) { c.Guests = []config.Guest{{VCPUs: c.VCPUsPerVM + 1}} },
		"guest memory":          func(c *config.Config) { c.Guests = []config.Guest{{VCPUs: 1, MemBase: 0x1000}} },
		"guest images": func(c *config.Config) {
			c.Guests = []config.Guest{{VCPUs: 1, Images: make([]config.GuestImage, c.MaxLoadInfo+1)}}
		},
		"duplicate slot": func(c *config.Config) {
			sig := strings.Repeat("00", 64)
			c.Images = []config.Image{{Slot: 1, Signature: sig}, {Slot: 1, Signature: sig}}
		},
	} {
		c := config.Default()
		mutate(&c)

		if err := c.Validate(); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Parallel()

	if _, err := config.Load(writeConfig(t, `phys_size = "lots"`)); err == nil {
		t.Fatal("malformed size accepted")
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
