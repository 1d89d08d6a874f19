// Command vmareactl is a small debugging CLI over the downward
// vmvector_* client API (spec.md §6 "Downward: interval-vector
// external use"): it loads a policy configuration and a flat
// description of catalog regions, then prints the resulting
// executable-areas catalog the way vmvector_print would.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/policyconfig"
	"github.com/vmengine/codecache/pkg/vmarea"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&printCommand{}, "")
	subcommands.Register(&configCommand{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// printCommand loads a regions file and dumps the resulting catalog.
type printCommand struct {
	regionsPath string
	configPath  string
}

func (*printCommand) Name() string     { return "print" }
func (*printCommand) Synopsis() string { return "load a region list and print the resulting catalog" }
func (*printCommand) Usage() string {
	return "print -regions FILE [-config FILE]\n\n" +
		"Each non-blank line of FILE is \"start end writable\", e.g.:\n" +
		"  0x400000 0x401000 false\n" +
		"  0x7f0000 0x7f1000 true\n"
}

func (p *printCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.regionsPath, "regions", "", "path to a region-list file (required)")
	f.StringVar(&p.configPath, "config", "", "path to a policyconfig TOML file (optional)")
}

func (p *printCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if p.regionsPath == "" {
		fmt.Fprintln(os.Stderr, "vmareactl: -regions is required")
		return subcommands.ExitUsageError
	}
	cfg := policyconfig.Default()
	if p.configPath != "" {
		loaded, err := policyconfig.Load(p.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vmareactl: %v\n", err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	catalog := vmarea.NewCatalog(log, cfg.RO2SandboxThreshold, cfg.Sandbox2ROThreshold)

	if err := loadRegions(p.regionsPath, catalog); err != nil {
		fmt.Fprintf(os.Stderr, "vmareactl: %v\n", err)
		return subcommands.ExitFailure
	}

	var sb strings.Builder
	catalog.Vector().Print(&sb)
	fmt.Print(sb.String())
	return subcommands.ExitSuccess
}

func loadRegions(path string, catalog *vmarea.Catalog) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fmt.Errorf("line %d: want \"start end writable\", got %q", lineNo, line)
		}
		start, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return fmt.Errorf("line %d: start: %w", lineNo, err)
		}
		end, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return fmt.Errorf("line %d: end: %w", lineNo, err)
		}
		writable, err := strconv.ParseBool(fields[2])
		if err != nil {
			return fmt.Errorf("line %d: writable: %w", lineNo, err)
		}
		catalog.AddNewRegion(hostarch.Addr(start), hostarch.Addr(end), writable, false, writable)
	}
	return sc.Err()
}

// configCommand prints the effective configuration (defaults merged
// with an optional file) as a sanity check before a real deployment
// wires it into an Engine.
type configCommand struct {
	configPath string
}

func (*configCommand) Name() string     { return "config" }
func (*configCommand) Synopsis() string { return "print the effective policy configuration" }
func (*configCommand) Usage() string    { return "config [-config FILE]\n" }

func (c *configCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a policyconfig TOML file (optional)")
}

func (c *configCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := policyconfig.Default()
	if c.configPath != "" {
		loaded, err := policyconfig.Load(c.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vmareactl: %v\n", err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}
	fmt.Printf("%+v\n", *cfg)
	return subcommands.ExitSuccess
}
