package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/dist"
	"github.com/bobg/dist/collection"
)

func (c maincmd) ls(ctx context.Context, fs *flag.FlagSet, args []string) error {
	long := fs.Bool("l", false, "show full addresses")
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	id, err := c.identity(ctx)
	if err != nil {
		return err
	}
	entries, err := collection.Load(ctx, c.b, id)
	if err != nil {
		return errors.Wrap(err, "loading index")
	}
	printEntries(os.Stdout, entries, *long)
	return nil
}

func (c maincmd) watchIndex(ctx context.Context, fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	id, err := c.identity(ctx)
	if err != nil {
		return err
	}
	coll, err := collection.Attach(ctx, c.g, id, collection.WithLogger(c.logger))
	if err != nil {
		return errors.Wrap(err, "attaching to index")
	}

	err = coll.Run(ctx, func(view []dist.IndexEntry) error {
		fmt.Printf("-- %d record(s)\n", len(view))
		printEntries(os.Stdout, view, false)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c maincmd) rm(ctx context.Context, fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() == 0 {
		return errors.New("usage: rm ADDRESS...")
	}

	id, err := c.identity(ctx)
	if err != nil {
		return err
	}
	for _, arg := range fs.Args() {
		if err = collection.Remove(ctx, c.g, id, dist.Address(arg), nil); err != nil {
			return errors.Wrapf(err, "removing %s", arg)
		}
	}
	return nil
}

func (c maincmd) whoami(ctx context.Context, fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	id, err := c.identity(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("alias %s\npub   %s\n", id.Alias, id.Pub)
	return nil
}

func printEntries(w io.Writer, entries []dist.IndexEntry, long bool) {
	for _, e := range entries {
		addr := e.Address.Short()
		if long {
			addr = string(e.Address)
		}
		created := time.Unix(0, e.CreatedAt*int64(time.Millisecond)).Format(time.RFC3339)
		fmt.Fprintf(w, "%s  %s  %-20s  %s\n", addr, created, e.FilenamePreview, e.Description)
	}
}
