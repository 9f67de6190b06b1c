// Package config loads the machine description the core is built from.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/gohypsec/hypsec/attest"
	"github.com/gohypsec/hypsec/memory"
	"github.com/gohypsec/hypsec/mm"
)

var (
	errLayout     = errors.New("invalid memory layout")
	errLimits     = errors.New("invalid limit")
	errDuplicated = errors.New("duplicated image slot")
)

// Config describes RAM, the corevisor's reservations and the trust anchors.
type Config struct {
	PhysBase uint64 `toml:"phys_base"`
	PhysSize Size   `toml:"phys_size"`

	// CorevisorBase is the first of eight 1MB regions holding the
	// corevisor's own stage-2 nodes.
	CorevisorBase uint64 `toml:"corevisor_base"`

	// RemapBase and RemapSize bound the corevisor address window images
	// are staged in.
	RemapBase uint64 `toml:"remap_base"`
	RemapSize Size   `toml:"remap_size"`

	MaxLoadInfo int    `toml:"max_load_info"`
	VCPUsPerVM  int    `toml:"vcpus_per_vm"`
	LogLevel    string `toml:"log_level"`

	// PublicKey is the hex-encoded image signing key installed in every VM.
	PublicKey string  `toml:"public_key"`
	Images    []Image `toml:"image"`
	Guests    []Guest `toml:"guest"`
}

// Image is the trusted signature of one image slot.
type Image struct {
	Slot      uint32 `toml:"slot"`
	Signature string `toml:"signature"`
}

// Guest describes a VM the host brings up in a run. MemSize bytes of
// memory are backed at MemBase with 2MB blocks once the images verified.
type Guest struct {
	VCPUs   int          `toml:"vcpus"`
	MemBase uint64       `toml:"mem_base"`
	MemSize Size         `toml:"mem_size"`
	Images  []GuestImage `toml:"images"`
}

type GuestImage struct {
	Path     string `toml:"path"`
	LoadAddr uint64 `toml:"load_addr"`
}

// Default returns a 256MB machine at 1GB with the corevisor's regions at
// the bottom of RAM.
func Default() Config {
	return Config{
		PhysBase:      0x4000_0000,
		PhysSize:      256 << 20,
		CorevisorBase: 0x4000_0000,
		RemapBase:     0x10_0000_0000,
		RemapSize:     1 << 30,
		MaxLoadInfo:   5,
		VCPUsPerVM:    8,
		LogLevel:      "info",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	c := Default()

	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}

	return c, nil
}

// CorevisorRange is the RAM reserved for the corevisor's node pools.
func (c Config) CorevisorRange() memory.Range {
	return memory.Range{Name: "corevisor", Start: c.CorevisorBase, Size: mm.RegionCount * mm.SZ1M}
}

// Validate checks the layout and limits.
func (c Config) Validate() error {
	ram := memory.Range{Name: "ram", Start: c.PhysBase, Size: uint64(c.PhysSize)}

	if ram.Size == 0 || !mm.IsAligned(ram.Start, mm.PageSize) || !mm.IsAligned(ram.Size, mm.PageSize) {
		return fmt.Errorf("ram [%#x, +%#x): %w", ram.Start, ram.Size, errLayout)
	}

	cv := c.CorevisorRange()
	if !mm.IsAligned(cv.Start, mm.SZ1M) || cv.Start < ram.Start || cv.End() > ram.End() {
		return fmt.Errorf("corevisor regions [%#x, %#x) outside ram: %w", cv.Start, cv.End(), errLayout)
	}

	if c.RemapSize == 0 || !mm.IsAligned(c.RemapBase, mm.PageSize) ||
		c.RemapBase+uint64(c.RemapSize) > 1<<48 {
		return fmt.Errorf("remap window [%#x, +%#x): %w", c.RemapBase, uint64(c.RemapSize), errLayout)
	}

	if c.MaxLoadInfo <= 0 {
		return fmt.Errorf("max_load_info %d: %w", c.MaxLoadInfo, errLimits)
	}

	if c.VCPUsPerVM <= 0 {
		return fmt.Errorf("vcpus_per_vm %d: %w", c.VCPUsPerVM, errLimits)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	for i, g := range c.Guests {
		if g.VCPUs <= 0 || g.VCPUs > c.VCPUsPerVM {
			return fmt.Errorf("guest %d: %d vcpus: %w", i, g.VCPUs, errLimits)
		}

		if len(g.Images) > c.MaxLoadInfo {
			return fmt.Errorf("guest %d: %d images: %w", i, len(g.Images), errLimits)
		}

		if !mm.IsAligned(g.MemBase, mm.PMDSize) || !mm.IsAligned(uint64(g.MemSize), mm.PMDSize) {
			return fmt.Errorf("guest %d: memory [%#x, +%#x): %w", i, g.MemBase, uint64(g.MemSize), errLayout)
		}
	}

	if c.PublicKey != "" {
		if _, err := attest.ParsePublicKey(c.PublicKey); err != nil {
			return err
		}
	}

	_, err := c.Manifest()

	return err
}

// Manifest decodes the trusted image signatures.
func (c Config) Manifest() (attest.Manifest, error) {
	m := attest.Manifest{}

	for _, img := range c.Images {
		if _, ok := m[img.Slot]; ok {
			return nil, fmt.Errorf("slot %d: %w", img.Slot, errDuplicated)
		}

		sig, err := attest.ParseSignature(img.Signature)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", img.Slot, err)
		}

		m[img.Slot] = sig
	}

	return m, nil
}

// Key decodes the trusted public key, nil when none is configured.
func (c Config) Key() []byte {
	if c.PublicKey == "" {
		return nil
	}

	k, err := attest.ParsePublicKey(c.PublicKey)
	if err != nil {
		return nil
	}

	return k
}

// Level returns the configured log level, info when unparsable.
func (c Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}

	return l
}
