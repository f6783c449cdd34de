package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"keydict/internal/network"
	"keydict/internal/types"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: keydict-cli [flags] <command> [args...]

commands:
  get-ids  <key>...   print the id of every key, allocating new ones
  get-keys <id>...    print the key of every id

flags:
`)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "127.0.0.1:6970", "Server address")
	ns := flag.Int("ns", 0, "Namespace id")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := network.Dial(ctx, *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer client.Close()

	if err := run(ctx, client, types.NamespaceID(*ns), args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		client.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, client *network.Client, ns types.NamespaceID, cmd string, args []string) error {
	switch cmd {
	case "get-ids":
		ids, err := client.GetIDs(ctx, ns, args)
		if err != nil {
			return err
		}
		for i, id := range ids {
			fmt.Printf("%d\t%s\n", id, args[i])
		}
	case "get-keys":
		ids := make([]types.KeyID, len(args))
		for i, a := range args {
			n, err := strconv.ParseInt(a, 10, 32)
			if err != nil {
				return fmt.Errorf("bad id %q: %w", a, err)
			}
			ids[i] = types.KeyID(n)
		}
		keys, err := client.GetKeys(ctx, ns, ids)
		if err != nil {
			return err
		}
		for i, k := range keys {
			fmt.Printf("%d\t%s\n", ids[i], k)
		}
	default:
		return fmt.Errorf("unknown command %q (want get-ids or get-keys)", cmd)
	}
	return nil
}
