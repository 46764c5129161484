package main

// dataset_gen.go is a tiny helper utility to generate deterministic todo
// payload datasets for standalone benchmarking of replistate (outside
// `go test`). It emits newline-delimited JSON objects with an id and a
// title, which can later be fed to a load-testing harness driving
// Engine.Record directly.
//
// Usage:
//   go run ./tools/dataset_gen -n 1000000 -dist=zipf -seed=42 -out events.jsonl
//
// Flags:
//   -n       number of events to generate (default 1e6)
//   -dist    title-length distribution: "uniform" or "zipf" (default uniform)
//   -zipfs   Zipf s parameter (>1)  (default 1.2)
//   -zipfv   Zipf v parameter (>=1) (default 1.0)
//   -seed    RNG seed (default current time)
//   -out     output file (default stdout)
//
// The program is embarrassingly simple but placed under version control so
// that any contributor can regenerate the exact dataset used in performance
// regression hunting.
//
// © 2025 replistate authors. MIT License.

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

type event struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func main() {
	var (
		n       = flag.Int("n", 1_000_000, "number of events to generate")
		dist    = flag.String("dist", "uniform", "title-length distribution: uniform or zipf")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	rnd := rand.New(rand.NewSource(*seedVal))

	var titleLen func() uint64
	switch *dist {
	case "uniform":
		titleLen = func() uint64 { return 1 + rnd.Uint64()%64 }
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1.0 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, 64)
		titleLen = func() uint64 { return 1 + z.Uint64() }
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()
	enc := json.NewEncoder(w)

	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for i := 0; i < *n; i++ {
		length := int(titleLen())
		title := make([]byte, length)
		for j := range title {
			title[j] = alphabet[rnd.Intn(len(alphabet))]
		}
		ev := event{ID: fmt.Sprintf("gen-%d", i), Title: string(title)}
		if err := enc.Encode(ev); err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
	}
}
