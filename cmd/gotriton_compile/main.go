// gotriton_compile compiles a pre-lowered IR kernel file ahead-of-time and reports the
// cached artifacts.
//
// Example:
//
//	gotriton_compile -target=cuda:90 -num_warps=8 matmul.ttgir
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/gotriton/backends"
	_ "github.com/gomlx/gotriton/backends/cuda"
	"github.com/gomlx/gotriton/cache"
	"github.com/gomlx/gotriton/compiler"
)

var (
	flagTarget    = flag.String("target", "", "Target backend configuration, e.g. \"cuda:80\". Defaults to $GOTRITON_BACKEND.")
	flagCacheDir  = flag.String("cache", "", "Cache root directory. Defaults to $GOTRITON_CACHE_DIR or ~/.gotriton/cache.")
	flagNumWarps  = flag.Int("num_warps", 4, "Number of warps per CTA.")
	flagNumCTAs   = flag.Int("num_ctas", 1, "Number of CTAs per cluster.")
	flagNumStages = flag.Int("num_stages", 3, "Software pipelining depth.")
	flagDebug     = flag.Bool("debug", false, "Keep debug information in the generated artifacts.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 1 {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [flags] <kernel.{ttir,ttgir,ptx}>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := run(flag.Arg(0)); err != nil {
		klog.Exitf("gotriton_compile: %+v", err)
	}
}

func run(path string) error {
	var backend backends.Backend
	var err error
	if *flagTarget != "" {
		backend, err = backends.NewWithConfig(*flagTarget)
	} else {
		backend, err = backends.New()
	}
	if err != nil {
		return err
	}

	src, err := compiler.NewIRSource(path)
	if err != nil {
		return err
	}

	// Only explicitly given flags become overrides, so backend defaults and values
	// refined out of the IR text stay in effect.
	overrides := make(map[string]any)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "num_warps":
			overrides["num_warps"] = *flagNumWarps
		case "num_ctas":
			overrides["num_ctas"] = *flagNumCTAs
		case "num_stages":
			overrides["num_stages"] = *flagNumStages
		case "debug":
			overrides["debug"] = *flagDebug
		}
	})

	var bar *progressbar.ProgressBar
	options := []compiler.Option{
		compiler.WithStageObserver(func(format string, index, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("lowering"),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionShowCount())
			}
			bar.Describe(fmt.Sprintf("lowering to %s", format))
			_ = bar.Add(1)
		}),
	}
	if *flagCacheDir != "" {
		manager, err := cache.New(*flagCacheDir)
		if err != nil {
			return err
		}
		options = append(options, compiler.WithCacheManager(manager))
	}
	c, err := compiler.New(options...)
	if err != nil {
		return err
	}

	kernel, err := c.Compile(src, backend, overrides)
	if err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}

	titleStyle := lipgloss.NewStyle().Bold(true)
	fmt.Println(titleStyle.Render(fmt.Sprintf("Kernel %q for %s", kernel.Name(), kernel.Metadata().Target)))
	fmt.Printf("  num_warps=%d num_ctas=%d shared=%s\n  stub: %s\n",
		kernel.Metadata().NumWarps, kernel.Metadata().NumCTAs,
		humanize.Bytes(uint64(kernel.Metadata().SharedMem)), kernel.StubPath())

	table := lgtable.New().Headers("FORMAT", "SIZE")
	for _, format := range kernel.AsmFormats() {
		table.Row(format, humanize.Bytes(uint64(len(kernel.Asm(format)))))
	}
	fmt.Println(table)
	return nil
}
