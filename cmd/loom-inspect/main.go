// loom-inspect dumps the raw keyspace of a loom data dir for debugging.
// Branch state and the sibling index are plain strings; records print as
// their JSON value.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"

	"loom/pkg/state"
)

func main() {
	var dataPath string
	var prefix string
	flag.StringVar(&dataPath, "db", "", "data dir path (as given to loomd -db)")
	flag.StringVar(&prefix, "prefix", "", "only dump keys with this prefix (e.g. thread:, msg:)")
	flag.Parse()
	if dataPath == "" {
		fmt.Fprintln(os.Stderr, "-db required")
		os.Exit(2)
	}

	db, err := pebble.Open(state.StorePath(dataPath), &pebble.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open pebble: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	iter, err := db.NewIter(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iterator: %v\n", err)
		os.Exit(1)
	}
	defer iter.Close()

	var n int
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		fmt.Printf("%s\t%s\n", key, iter.Value())
		n++
	}
	if err := iter.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "iterate: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d keys\n", n)
}
