package main

import (
	"fmt"
	"io"
	"os"

	"courier/internal/storage"
)

func run(args []string, w io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delays <db-file>")
	}

	store, err := storage.NewBboltStorage(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	samples, err := store.ListDelays()
	if err != nil {
		return err
	}
	for _, s := range samples {
		fmt.Fprintf(w, "%d\t%s\t%d\n", s.RecordedAt, s.Username, s.DelayMillis)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
