// Command raftwalctl opens a write-ahead log directory and exercises it
// directly: append payloads, commit a watermark, and inspect status.
// It has no query language and no subcommand framework beyond a single
// positional verb, in the spirit of the teacher's own cmd/example.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/Felmond13/raftwal/storage"
	"github.com/Felmond13/raftwal/wal"
)

func main() {
	dir := flag.StringP("dir", "d", "raftwal-data", "log root directory")
	term := flag.Uint64P("term", "t", 0, "term to stamp on an appended entry")
	pageSize := flag.Int("page-size", storage.DefaultPageSize, "page size in bytes")
	memory := flag.String("memory", "shared", "memory management mode: shared or private")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: raftwalctl [flags] <append|commit|read|status> [args...]")
		os.Exit(2)
	}

	opts := wal.DefaultOptions()
	opts.ChunkSize = *pageSize
	switch *memory {
	case "", "shared":
		opts.MemoryManagement = storage.SharedMemory
	case "private":
		opts.MemoryManagement = storage.PrivateMemory
	default:
		log.Fatalf("raftwalctl: unknown --memory %q (want shared or private)", *memory)
	}

	log.SetFlags(0)
	w, err := wal.Open(*dir, opts)
	if err != nil {
		log.Fatalf("raftwalctl: open %s: %v", *dir, err)
	}
	defer w.Close()

	ctx := context.Background()
	switch verb := args[0]; verb {
	case "append":
		runAppend(ctx, w, *term, args[1:])
	case "commit":
		runCommit(ctx, w, args[1:])
	case "read":
		runRead(ctx, w, args[1:])
	case "status":
		runStatus(w)
	default:
		log.Fatalf("raftwalctl: unknown command %q", verb)
	}
}

func runAppend(ctx context.Context, w *wal.WriteAheadLog, term uint64, rest []string) {
	if len(rest) == 0 {
		log.Fatal("raftwalctl: append requires a payload argument")
	}
	payload := []byte(strings.Join(rest, " "))
	idx, err := w.Append(ctx, wal.Entry{Term: term, Payload: payload})
	if err != nil {
		log.Fatalf("raftwalctl: append: %v", err)
	}
	fmt.Printf("appended index %d (%s)\n", idx, humanize.Bytes(uint64(len(payload))))
}

func runCommit(ctx context.Context, w *wal.WriteAheadLog, rest []string) {
	if len(rest) == 0 {
		log.Fatal("raftwalctl: commit requires an index argument")
	}
	upTo, err := strconv.ParseUint(rest[0], 10, 64)
	if err != nil {
		log.Fatalf("raftwalctl: commit: %v", err)
	}
	n, err := w.Commit(ctx, upTo)
	if err != nil {
		log.Fatalf("raftwalctl: commit: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		log.Fatalf("raftwalctl: flush: %v", err)
	}
	fmt.Printf("committed up to %d (%d newly committed)\n", upTo, n)
}

func runRead(ctx context.Context, w *wal.WriteAheadLog, rest []string) {
	if len(rest) != 2 {
		log.Fatal("raftwalctl: read requires <from> <to> arguments")
	}
	from, err := strconv.ParseUint(rest[0], 10, 64)
	if err != nil {
		log.Fatalf("raftwalctl: read: %v", err)
	}
	to, err := strconv.ParseUint(rest[1], 10, 64)
	if err != nil {
		log.Fatalf("raftwalctl: read: %v", err)
	}
	result, err := w.Read(ctx, from, to)
	if err != nil {
		log.Fatalf("raftwalctl: read: %v", err)
	}
	for _, e := range result.Entries {
		fmt.Printf("  [%d] term=%d snapshot=%v %s\n", e.Index, e.Term, e.IsSnapshot, humanize.Bytes(uint64(len(e.Payload))))
	}
}

func runStatus(w *wal.WriteAheadLog) {
	term, votedFor := w.VoterState()
	fmt.Printf("last entry:     %d\n", w.LastEntry())
	fmt.Printf("last committed: %d\n", w.LastCommitted())
	fmt.Printf("last applied:   %d\n", w.LastApplied())
	fmt.Printf("term:           %d\n", term)
	fmt.Printf("voted for:      %s\n", votedFor)
	if err := w.Err(); err != nil {
		fmt.Printf("poisoned:       %v\n", err)
	}
}
