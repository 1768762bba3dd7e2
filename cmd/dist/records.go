package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/bobg/dist"
	"github.com/bobg/dist/records"
)

func (c maincmd) publish(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		desc = fs.String("d", "", "description")
		lang = fs.String("lang", "", "language of every file (default: by extension)")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() == 0 {
		return errors.New("no files")
	}

	var files []dist.File
	for _, path := range fs.Args() {
		content, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		f := dist.File{
			Filename: filepath.Base(path),
			Content:  string(content),
			Language: *lang,
			Size:     int64(len(content)),
		}
		if f.Language == "" {
			f.Language = languageOf(f.Filename)
		}
		files = append(files, f)
	}

	id, err := c.identity(ctx)
	if err != nil {
		return err
	}
	svc := records.New(c.g, records.WithLogger(c.logger), records.WithIdentity(id))
	addr, err := svc.Publish(ctx, *desc, files)
	if err != nil {
		return errors.Wrap(err, "publishing")
	}
	fmt.Println(addr)
	return nil
}

var extLanguages = map[string]string{
	".c":    "c",
	".css":  "css",
	".go":   "go",
	".html": "html",
	".java": "java",
	".js":   "javascript",
	".json": "json",
	".md":   "markdown",
	".py":   "python",
	".rs":   "rust",
	".sh":   "shell",
	".sql":  "sql",
	".ts":   "typescript",
	".yaml": "yaml",
	".yml":  "yaml",
}

func languageOf(filename string) string {
	return extLanguages[filepath.Ext(filename)]
}

func (c maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	file := fs.String("file", "", "write only the content of this file")
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: get [-file NAME] ADDRESS")
	}

	svc := records.New(c.g, records.WithLogger(c.logger))
	rec, err := svc.Get(ctx, dist.Address(fs.Arg(0)))
	if err != nil {
		return errors.Wrapf(err, "getting %s", fs.Arg(0))
	}

	if *file != "" {
		f, ok := rec.Files[*file]
		if !ok {
			return errors.Errorf("record %s has no file %s", rec.Address, *file)
		}
		_, err = os.Stdout.WriteString(f.Content)
		return errors.Wrap(err, "writing to stdout")
	}
	return printRecord(rec)
}

func (c maincmd) watch(ctx context.Context, fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: watch ADDRESS")
	}

	svc := records.New(c.g, records.WithLogger(c.logger))
	w, err := svc.Watch(ctx, dist.Address(fs.Arg(0)))
	if err != nil {
		return errors.Wrapf(err, "watching %s", fs.Arg(0))
	}

	err = w.Run(ctx, func(rec *dist.Record) error {
		if rec == nil {
			fmt.Printf("%s: not found\n", w.Address())
			return nil
		}
		return printRecord(rec)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printRecord(rec *dist.Record) error {
	names := make([]string, 0, len(rec.Files))
	for name := range rec.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	out := struct {
		*dist.Record
		Files []dist.File `json:"files"`
	}{Record: rec}
	for _, name := range names {
		out.Files = append(out.Files, rec.Files[name])
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(out), "encoding record")
}
