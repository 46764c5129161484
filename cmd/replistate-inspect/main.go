package main

// main.go implements the replistate-inspect CLI: it parses command-line
// flags, fetches a peer's DebugSnapshot from a target process, and prints it
// either as pretty text or JSON. It also supports periodic watch mode.
//
// The target Go service is expected to expose:
//   • GET /debug/replistate/snapshot — JSON payload, see pkg/replistate.DebugSnapshot.
//
// The snapshot object is decoded into map[string]any so the CLI never falls
// behind a library version skew with whatever replistate release the target
// process embeds.
//
// © 2025 replistate authors. MIT License.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "dev"

type options struct {
	target   string
	json     bool
	watch    bool
	interval time.Duration
	version  bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://localhost:6060", "base URL of the peer to inspect")
	flag.BoolVar(&opts.json, "json", false, "print the raw snapshot as JSON instead of a summary")
	flag.BoolVar(&opts.watch, "watch", false, "poll the target repeatedly instead of exiting after one fetch")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval when -watch is set")
	flag.BoolVar(&opts.version, "version", false, "print the CLI version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options) error {
	snap, err := fetchSnapshot(ctx, opts.target)
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return prettyPrint(snap)
}

func fetchSnapshot(ctx context.Context, base string) (map[string]any, error) {
	url := base + "/debug/replistate/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var data map[string]any
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func prettyPrint(data map[string]any) error {
	fmt.Printf("Self:                  %v\n", data["self"])
	fmt.Printf("Peers:                 %v\n", len(asSlice(data["peers"])))
	fmt.Printf("Total events:          %v\n", data["total_events"])
	fmt.Printf("Active shards:         %v\n", data["active_shards"])
	fmt.Printf("HLC time/counter:      %v / %v\n", data["hlc_time"], data["hlc_counter"])
	fmt.Printf("Events since baseline: %v\n", data["events_since_baseline"])
	fmt.Printf("Syncs since GC:        %v\n", data["syncs_since_gc"])
	fmt.Printf("Known increments:      %v\n", data["known_increments"])
	return nil
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "replistate-inspect:", err)
	os.Exit(1)
}
