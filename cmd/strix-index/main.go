// Command strix-index inspects and maintains a value index on disk:
//
//	strix-index [-config path] stats
//	strix-index [-config path] lookup <key>
//	strix-index [-config path] verify
//	strix-index [-config path] rebuild
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/strixdb/strix/internal/index/values"
	"github.com/strixdb/strix/pkg/config"
	"github.com/strixdb/strix/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, err := values.Open(cfg.Index, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open index: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	if err := run(ctx, idx, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, idx *values.Index, args []string) error {
	switch args[0] {
	case "stats":
		out, err := json.MarshalIndent(idx.Stats(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case "lookup":
		if len(args) != 2 {
			return fmt.Errorf("usage: strix-index lookup <key>")
		}
		it, err := idx.Lookup([]byte(args[1]))
		if err != nil {
			return err
		}
		for id, ok := it.Next(); ok; id, ok = it.Next() {
			fmt.Println(id)
		}
		return nil
	case "verify":
		if err := idx.Verify(ctx); err != nil {
			return err
		}
		fmt.Printf("ok: %d keys\n", idx.Size())
		return nil
	case "rebuild":
		before := idx.Stats()
		if err := idx.Rebuild(ctx); err != nil {
			return err
		}
		after := idx.Stats()
		fmt.Printf("rebuilt: %d keys, heap %d -> %d bytes\n", after.Keys, before.HeapBytes, after.HeapBytes)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: strix-index [-config path] <stats|lookup|verify|rebuild> [args]")
}
