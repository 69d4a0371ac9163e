package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"membuf/internal/http"
	"membuf/pkg/dberrors"
)

const usage = `usage: lsmctl [-addr URL] <command> [args]

commands:
  put <key> <value>
  get <key>
  del <key>
  scan [start] [end]
  flush
  stats
`

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	limit := flag.Int("limit", 0, "maximum pairs returned by scan")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	if err := run(ctx, http.NewClient(*addr), *limit, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, dberrors.ErrNotFound) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, client *http.Client, limit int, args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd := args[0]; cmd {
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("put needs <key> <value>")
		}
		return client.Put(ctx, args[1], []byte(args[2]))
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("get needs <key>")
		}
		value, err := client.Get(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	case "del":
		if len(args) != 2 {
			return fmt.Errorf("del needs <key>")
		}
		return client.Delete(ctx, args[1])
	case "scan":
		items, err := client.Scan(ctx, arg(1), arg(2), limit)
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Printf("%s\t%s\n", it.Key, it.Value)
		}
		return nil
	case "flush":
		return client.Flush(ctx)
	case "stats":
		stats, err := client.Stats(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
