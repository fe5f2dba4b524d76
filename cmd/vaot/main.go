// Vesper AOT driver - preinitializes classes under transactions and caches
// the results.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tliron/commonlog"

	"github.com/tsharra/vesper/aotcache"
	"github.com/tsharra/vesper/config"
	"github.com/tsharra/vesper/rt"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	configDir := flag.String("config", ".", "Directory containing vesper.toml")
	cachePath := flag.String("cache", "", "Cache database path (overrides vesper.toml)")
	list := flag.Bool("list", false, "List cached class-initialization results")
	pruneDays := flag.Int("prune", 0, "Prune cache entries older than N days")
	export := flag.String("export", "", "Write a runtime snapshot (CBOR) to the given file")
	strict := flag.Bool("strict", false, "Preinitialize under strict transactions")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vaot [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the transactional class-initialization self-test and records results.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  vaot                   # Preinitialize the demo class graph\n")
		fmt.Fprintf(os.Stderr, "  vaot -strict           # Same, under strict transactions\n")
		fmt.Fprintf(os.Stderr, "  vaot -list             # Show cached results\n")
		fmt.Fprintf(os.Stderr, "  vaot -prune 30         # Drop cache entries older than 30 days\n")
		fmt.Fprintf(os.Stderr, "  vaot -export snap.cbor # Dump a runtime snapshot\n")
	}
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	verbosity := cfg.Log.Verbosity
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	dbPath := cfg.Cache.Path
	if *cachePath != "" {
		dbPath = *cachePath
	}
	cache, err := aotcache.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	switch {
	case *list:
		if err := listEntries(cache); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case *pruneDays > 0:
		cutoff := time.Now().AddDate(0, 0, -*pruneDays)
		n, err := cache.Prune(cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error pruning cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Pruned %d entries\n", n)
	default:
		if err := preinitialize(cfg, cache, *strict, *export); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func listEntries(cache *aotcache.Cache) error {
	entries, err := cache.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Cache is empty")
		return nil
	}
	for _, e := range entries {
		mode := ""
		if e.Strict {
			mode = " [strict]"
		}
		fmt.Printf("%-24s %-12s %8s%s", e.Class, e.Status, e.Duration.Round(time.Microsecond), mode)
		if e.AbortMessage != "" {
			fmt.Printf("  %s", e.AbortMessage)
		}
		fmt.Println()
	}
	return nil
}

// preinitialize drives the demo class graph through transactional
// initialization: a few well-behaved classes, one that writes outside its
// own statics, and one finalizable allocation, exercising commit, abort and
// rollback paths.
func preinitialize(cfg *config.Config, cache *aotcache.Cache, strict bool, export string) error {
	runtime := rt.NewRuntime(cfg.RuntimeOptions())
	self := runtime.AttachThread("vaot-main")
	defer runtime.DetachThread(self)

	classes := buildDemoClasses(runtime)
	linker := runtime.Linker()

	for _, c := range classes {
		// A class that already failed preinitialization under the same mode
		// will fail again; skip it.
		if prev, err := cache.Get(c.Name); err == nil &&
			prev.Strict == strict && prev.AbortMessage != "" {
			fmt.Printf("%-24s skipped (cached failure: %s)\n", c.Name, prev.AbortMessage)
			continue
		}
		start := time.Now()
		err := linker.PreinitializeClass(self, c, strict)
		entry := aotcache.Entry{
			Class:    c.Name,
			Status:   c.Status().String(),
			Strict:   strict,
			Duration: time.Since(start),
		}
		if err != nil {
			var abort *rt.TransactionAbortError
			if errors.As(err, &abort) {
				entry.AbortMessage = abort.Msg
			} else {
				entry.AbortMessage = err.Error()
			}
			fmt.Printf("%-24s FAILED: %v\n", c.Name, err)
		} else {
			fmt.Printf("%-24s %s\n", c.Name, c.Status())
		}
		if cerr := cache.Put(entry); cerr != nil {
			return cerr
		}
	}

	if export != "" {
		data, err := rt.MarshalSnapshot(runtime.Snapshot())
		if err != nil {
			return fmt.Errorf("marshaling snapshot: %w", err)
		}
		if err := os.WriteFile(export, data, 0o644); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		fmt.Printf("Wrote snapshot to %s\n", export)
	}
	return nil
}

// buildDemoClasses registers a small class graph with deliberately mixed
// behavior.
func buildDemoClasses(runtime *rt.Runtime) []*rt.Class {
	counters := rt.NewClass("demo.Counters", nil, nil, []rt.FieldDesc{
		{Name: "total", Kind: rt.KindInt64},
		{Name: "step", Kind: rt.KindInt32},
	})
	counters.Initializer = func(self *rt.Thread, c *rt.Class) error {
		linker := runtime.Linker()
		if err := linker.WriteStaticFieldRaw(self, c, "total", 0); err != nil {
			return err
		}
		return linker.WriteStaticFieldRaw(self, c, "step", 1)
	}

	derived := rt.NewClass("demo.Derived", counters, nil, []rt.FieldDesc{
		{Name: "offset", Kind: rt.KindInt32},
	})
	derived.Initializer = func(self *rt.Thread, c *rt.Class) error {
		return runtime.Linker().WriteStaticFieldRaw(self, c, "offset", 40)
	}

	// Writes another class's statics: aborts in strict mode.
	meddler := rt.NewClass("demo.Meddler", nil, nil, nil)
	meddler.Initializer = func(self *rt.Thread, c *rt.Class) error {
		return runtime.Linker().WriteStaticFieldRaw(self, counters, "total", 99)
	}

	finalizable := rt.NewClass("demo.Resource", nil, nil, nil)
	finalizable.Finalizable = true
	hoarder := rt.NewClass("demo.Hoarder", nil, nil, []rt.FieldDesc{
		{Name: "res", Kind: rt.KindReference},
	})
	hoarder.Initializer = func(self *rt.Thread, c *rt.Class) error {
		obj, err := runtime.Heap().AllocObject(self, finalizable)
		if err != nil {
			return err
		}
		return runtime.Linker().WriteStaticFieldReference(self, c, "res", obj)
	}

	all := []*rt.Class{counters, derived, meddler, finalizable, hoarder}
	for _, c := range all {
		runtime.RegisterClass(c)
	}
	return all
}
