// Command dist publishes, fetches, and watches content-addressed records
// in a graph store,
// and serves them over HTTP.
//
// Usage:
//
//	dist [-config FILE] [-verbose] SUBCOMMAND [ARGS]
//
// Subcommands:
//
//	publish [-d DESCRIPTION] [-lang LANGUAGE] FILE...
//	get [-file NAME] ADDRESS
//	watch ADDRESS
//	ls
//	watch-index
//	rm ADDRESS
//	whoami
//	sync CONFIG...
//	serve [-listen ADDR]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/dist/graph"
	_ "github.com/bobg/dist/graph/file"
	_ "github.com/bobg/dist/graph/gcs"
	"github.com/bobg/dist/graph/logging"
	"github.com/bobg/dist/graph/lru"
	_ "github.com/bobg/dist/graph/mem"
	_ "github.com/bobg/dist/graph/pg"
	_ "github.com/bobg/dist/graph/replica"
	_ "github.com/bobg/dist/graph/sqlite3"
	"github.com/bobg/dist/identity"
)

type maincmd struct {
	conf   *config
	b      graph.Backend
	g      *graph.Graph
	logger *zap.Logger
}

func main() {
	var (
		configFile = flag.String("config", "distconf.yaml", "path to config file")
		verbose    = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Config value not set")
	}

	var (
		logger *zap.Logger
		err    error
	)
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Creating logger: %s", err)
	}
	defer logger.Sync()

	conf, err := readConfig(*configFile)
	if err != nil {
		logger.Fatal("reading config", zap.String("file", *configFile), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, conf, *verbose, logger)
	if err != nil {
		logger.Fatal("creating graph backend", zap.Error(err))
	}

	g := graph.New(b, graph.WithLogger(logger))
	defer g.Close()

	c := maincmd{conf: conf, b: b, g: g, logger: logger}
	if err = subcmd.Run(ctx, c, flag.Args()); err != nil {
		logger.Fatal("running command", zap.Error(err))
	}
}

func newBackend(ctx context.Context, conf *config, verbose bool, logger *zap.Logger) (graph.Backend, error) {
	b, err := graph.CreateFromConf(ctx, conf.Graph)
	if err != nil {
		return nil, err
	}
	if verbose {
		b = logging.New(b, logger)
	}
	if conf.LRU > 0 {
		b, err = lru.New(b, conf.LRU)
		if err != nil {
			return nil, errors.Wrap(err, "creating cache")
		}
	}
	return b, nil
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"get":         c.get,
		"ls":          c.ls,
		"publish":     c.publish,
		"rm":          c.rm,
		"serve":       c.serve,
		"sync":        c.sync,
		"watch":       c.watch,
		"watch-index": c.watchIndex,
		"whoami":      c.whoami,
	}
}

// Authenticates, creating the local identity on first use.
func (c maincmd) identity(ctx context.Context) (*identity.Identity, error) {
	id, err := identity.Bootstrap(ctx, c.g, c.conf.Credentials, identity.WithLogger(c.logger))
	return id, errors.Wrap(err, "bootstrapping identity")
}
