// Command cfenginecli drives a column-family store directly from the
// shell, for manual exercising of put/get/scan/compact without a
// surrounding region server.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/a-poor/cfstore/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "put":
		err = runPut(args)
	case "get":
		err = runGet(args)
	case "scan":
		err = runScan(args)
	case "compact":
		err = runCompact(args)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cfenginecli:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cfenginecli <put|get|scan|compact> [flags]`)
}

func openStore(dir string) (*storage.Store, error) {
	return storage.Open(dir, storage.Config{Logger: storage.NewStdLogger()})
}

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	dir := fs.String("dir", "", "store root directory")
	row := fs.String("row", "", "row key")
	col := fs.String("col", "", "column")
	ts := fs.Int64("ts", 0, "timestamp")
	value := fs.String("value", "", "value to write (use -delete for a tombstone)")
	asTombstone := fs.Bool("delete", false, "write a tombstone instead of a value")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(*dir)
	if err != nil {
		return err
	}

	v := []byte(*value)
	if *asTombstone {
		v = storage.Tombstone()
	}
	if err := s.Put(storage.NewKey([]byte(*row), []byte(*col), *ts), v); err != nil {
		return err
	}

	_, flushed, err := s.Flush()
	if err != nil {
		return err
	}
	if flushed {
		fmt.Println("flushed")
	}
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dir := fs.String("dir", "", "store root directory")
	row := fs.String("row", "", "row key")
	col := fs.String("col", "", "column")
	versions := fs.Int("versions", 1, "number of versions to return, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(*dir)
	if err != nil {
		return err
	}

	n := *versions
	if n <= 0 {
		n = storage.AllVersions
	}
	vals, err := s.Get(storage.NewKey([]byte(*row), []byte(*col), storage.LatestTimestamp), n)
	if err != nil {
		return err
	}
	if len(vals) == 0 {
		fmt.Println("(not found)")
		return nil
	}
	for _, v := range vals {
		fmt.Printf("%s\n", v)
	}
	return nil
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	dir := fs.String("dir", "", "store root directory")
	from := fs.String("from", "", "first row to scan from")
	limit := fs.Int("limit", 0, "stop after this many rows, 0 for unbounded")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(*dir)
	if err != nil {
		return err
	}

	sc := s.NewScanner(storage.LatestTimestamp, []byte(*from), nil)
	defer sc.Close()

	count := 0
	for {
		row, cols, ok, err := sc.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		fmt.Printf("%s:\n", row)
		for col, v := range cols {
			fmt.Printf("  %s = %s\n", col, v)
		}
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	return nil
}

func runCompact(args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	dir := fs.String("dir", "", "store root directory")
	force := fs.Bool("force", false, "compact even below the file-count threshold")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(*dir)
	if err != nil {
		return err
	}

	compacted, err := s.Compact(*force)
	if err != nil {
		return err
	}
	if compacted {
		fmt.Println("compacted")
	} else {
		fmt.Println("nothing to do")
	}
	return nil
}
