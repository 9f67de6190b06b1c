package flag

import (
	"github.com/alecthomas/kong"
)

const (
	programName = "hypsec"
	programDesc = "hypsec boots attested guests on a stage-2 isolating corevisor"
)

type CLI struct {
	Run    RunCMD    `cmd:"" help:"Boot the guests described in a config."`
	Sign   SignCMD   `cmd:"" help:"Sign a guest image."`
	Keygen KeygenCMD `cmd:"" help:"Generate an image signing key pair."`
	Layout LayoutCMD `cmd:"" help:"Show the corevisor memory layout of a config."`
}

type RunCMD struct {
	Config   string `short:"c" required:"" type:"existingfile" help:"TOML machine description."`
	LogLevel string `short:"l" help:"Override the configured log level."`
	Metrics  bool   `short:"m" help:"Print core and hypercall counters as JSON after boot."`
}

type SignCMD struct {
	Key   string `short:"k" required:"" env:"HYPSEC_SIGNING_KEY" help:"Hex private key or 32-byte seed."`
	Image string `arg:"" type:"existingfile" help:"Image to sign."`
}

type KeygenCMD struct{}

type LayoutCMD struct {
	Config string `short:"c" type:"path" help:"TOML machine description; defaults when omitted."`
}

// New builds the command-line parser for cli.
func New(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}, opts...)...)
}
