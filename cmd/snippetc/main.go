// Command snippetc compiles snippet descriptions into kernel blobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	units "github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippetfile"
	"github.com/tinyrange/snippets/internal/snippets"
	"github.com/tinyrange/snippets/internal/snippets/aarch64"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "snippetc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", ConfigFilename, "Batch configuration file")
	arch := flag.String("arch", "", "Target architecture (aarch64, arm64, host)")
	output := flag.String("o", "", "Output directory")
	jobs := flag.Int("j", 0, "Number of files compiled concurrently")
	verbose := flag.Bool("v", false, "Enable debug logging")
	cross := flag.Bool("cross", false, "Generate for a CPU with every optional feature")
	precision := flag.String("precision", "", "Precision conversions execute at (f32, f16)")
	dump := flag.Bool("dump", false, "Write the linear IR next to each blob")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <file.snippet.yaml|dir>...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile snippet descriptions into kernel blobs and reports.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		return fmt.Errorf("no snippet files given")
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := LoadConfig(*configPath, !set["config"])
	if err != nil {
		return err
	}
	if set["arch"] {
		cfg.Arch = *arch
	}
	if set["o"] {
		cfg.Output = *output
	}
	if set["j"] && *jobs > 0 {
		cfg.Jobs = *jobs
	}
	if set["cross"] {
		cfg.Cross = *cross
	}
	if set["precision"] {
		cfg.Precision = *precision
	}
	if set["dump"] {
		cfg.Dump = *dump
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	level, err := cfg.level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	paths, err := collect(flag.Args())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Output, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	c, err := newCompiler(cfg, logger)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if len(paths) > 1 && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(len(paths)), "compile")
		defer bar.Close()
	}

	reports := make([]*Report, len(paths))
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(cfg.Jobs)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := c.compileFile(path)
			if err != nil {
				return err
			}
			reports[i] = r
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var total int
	dynamic := 0
	for _, r := range reports {
		total += r.Bytes
		if r.Dynamic {
			dynamic++
		}
	}
	logger.Info("compiled snippets",
		"files", len(reports),
		"dynamic", dynamic,
		"arch", cfg.Arch,
		"size", units.HumanSize(float64(total)),
		"output", cfg.Output,
	)
	return nil
}

// collect expands directories into the snippet files they contain.
func collect(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*"+snippetfile.Extension))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%s: no %s files", arg, snippetfile.Extension)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

type compiler struct {
	cfg       Config
	arch      snippets.Arch
	precision element.Type
	logger    *slog.Logger
}

func newCompiler(cfg Config, logger *slog.Logger) (*compiler, error) {
	arch, err := snippets.ParseArch(cfg.Arch)
	if err != nil {
		return nil, err
	}
	c := &compiler{cfg: cfg, arch: arch, precision: element.F32, logger: logger}
	if cfg.Precision != "" {
		if c.precision, err = element.Parse(cfg.Precision); err != nil {
			return nil, err
		}
	}
	// Fail on an unregistered architecture before any file is read.
	if _, err := snippets.NewTarget(arch); err != nil {
		return nil, err
	}
	return c, nil
}

// newTarget returns a fresh TargetMachine; every file gets its own so files
// compile concurrently.
func (c *compiler) newTarget(logger *slog.Logger) (snippets.TargetMachine, error) {
	switch c.arch {
	case snippets.ArchAArch64:
		features := aarch64.HostFeatures()
		if c.cfg.Cross {
			features = aarch64.AllFeatures()
		}
		return aarch64.New(
			aarch64.WithFeatures(features),
			aarch64.WithExecPrecision(c.precision),
			aarch64.WithLogger(logger),
		), nil
	}
	return snippets.NewTarget(c.arch)
}

func (c *compiler) compileFile(path string) (*Report, error) {
	f, err := snippetfile.Load(path)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("snippet", f.Name)

	lir, err := f.Build()
	if err != nil {
		return nil, err
	}
	shapes, err := f.InputShapes()
	if err != nil {
		return nil, err
	}

	tm, err := c.newTarget(logger)
	if err != nil {
		return nil, err
	}
	res, err := snippets.NewGenerator(tm, snippets.WithLogger(logger)).Generate(lir, f.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer res.Close()

	r := newReport(f, path, tm.Arch(), res)
	if shapes != nil {
		rc, err := tm.RuntimeConfigurator().Update(lir, shapes)
		if err != nil {
			return nil, fmt.Errorf("%s: bind: %w", path, err)
		}
		r.Bound = newRuntimeConfigReport(rc)
	}
	base := filepath.Join(c.cfg.Output, f.Name)
	if err := os.WriteFile(base+".bin", res.Program.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := r.write(base + ".report.yaml"); err != nil {
		return nil, err
	}
	if c.cfg.Dump {
		if err := os.WriteFile(base+".lir", []byte(lir.String()), 0o644); err != nil {
			return nil, fmt.Errorf("write ir dump: %w", err)
		}
	}

	logger.Debug("compiled snippet",
		"bytes", r.Bytes,
		"dynamic", r.Dynamic,
		"executors", strings.Join(r.Executors, ","),
	)
	return r, nil
}
