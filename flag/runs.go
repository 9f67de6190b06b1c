package flag

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/gohypsec/hypsec/attest"
	"github.com/gohypsec/hypsec/config"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/pool"
	"github.com/gohypsec/hypsec/vmm"
)

func Parse() error {
	c := CLI{}

	parser, err := New(&c)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	return ctx.Run()
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}

	return config.Load(path)
}

func (r *RunCMD) Run(ctx *kong.Context) error {
	cfg, err := loadConfig(r.Config)
	if err != nil {
		return err
	}

	if r.LogLevel != "" {
		cfg.LogLevel = r.LogLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := logrus.New()
	logger.SetOutput(ctx.Stderr)
	logger.SetLevel(cfg.Level())

	v := vmm.New(cfg, logger)

	if err := v.Init(); err != nil {
		return err
	}

	defer v.Close()

	if err := v.Setup(); err != nil {
		return err
	}

	if err := v.Boot(context.Background()); err != nil {
		return err
	}

	if !r.Metrics {
		return nil
	}

	b, err := json.MarshalIndent(v.Report(), "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(ctx.Stdout, string(b))

	return nil
}

func (s *SignCMD) Run(ctx *kong.Context) error {
	priv, err := attest.ParsePrivateKey(s.Key)
	if err != nil {
		return err
	}

	img, err := os.ReadFile(s.Image)
	if err != nil {
		return err
	}

	fmt.Fprintln(ctx.Stdout, hex.EncodeToString(attest.Sign(priv, img)))

	return nil
}

func (k *KeygenCMD) Run(ctx *kong.Context) error {
	pub, priv, err := attest.GenerateKey(nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(ctx.Stdout, "public_key = %q\n", hex.EncodeToString(pub))
	fmt.Fprintf(ctx.Stdout, "# private key: %s\n", hex.EncodeToString(priv.Seed()))

	return nil
}

// Run prints RAM, the remap window and how the corevisor's regions are
// split into stage-2 node pools.
func (c *LayoutCMD) Run(ctx *kong.Context) error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(ctx.Stdout, 0, 8, 2, ' ', 0)

	fmt.Fprintf(w, "ram\t%#x\t%#x\n", cfg.PhysBase, cfg.PhysBase+uint64(cfg.PhysSize))
	fmt.Fprintf(w, "remap\t%#x\t%#x\n", cfg.RemapBase, cfg.RemapBase+uint64(cfg.RemapSize))

	cv := cfg.CorevisorRange()

	var regions [mm.RegionCount]uint64
	for i := range regions {
		regions[i] = cv.Start + uint64(i)*mm.SZ1M
	}

	set := pool.Carve(regions)
	for l, p := range set.Pools {
		for _, s := range p.Segments {
			fmt.Fprintf(w, "%v\t%#x\t%#x\n", pool.Level(l), s.Start, s.End)
		}
	}

	return w.Flush()
}
