package main

import (
	"context"
	"flag"

	"github.com/pkg/errors"

	"github.com/bobg/dist/graph"
)

// Brings the configured backend, its peers,
// and the graphs of any further config files named in args
// to a common state.
func (c maincmd) sync(ctx context.Context, fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	backends := []graph.Backend{c.b}
	peers, err := c.conf.peers(ctx)
	if err != nil {
		return err
	}
	backends = append(backends, peers...)

	for _, arg := range fs.Args() {
		conf, err := readConfig(arg)
		if err != nil {
			return errors.Wrapf(err, "reading %s", arg)
		}
		b, err := graph.CreateFromConf(ctx, conf.Graph)
		if err != nil {
			return errors.Wrapf(err, "creating graph backend from %s", arg)
		}
		backends = append(backends, b)
	}
	if len(backends) < 2 {
		return errors.New("nothing to sync with: name config files or configure peers")
	}

	return graph.Sync(ctx, backends)
}
