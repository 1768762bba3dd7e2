package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/dist/graph"
	"github.com/bobg/dist/httpapi"
	"github.com/bobg/dist/metrics"
	"github.com/bobg/dist/records"
)

const shutdownTimeout = 10 * time.Second

func (c maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	listen := fs.String("listen", c.conf.Listen, "address to listen on")
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	id, err := c.identity(ctx)
	if err != nil {
		return err
	}
	peers, err := c.conf.peers(ctx)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := records.New(c.g, records.WithLogger(c.logger), records.WithMetrics(m), records.WithIdentity(id))
	srv := &http.Server{
		Addr:              *listen,
		Handler:           httpapi.New(c.g, svc, httpapi.WithLogger(c.logger), httpapi.WithMetrics(m, reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", *listen)
	}
	c.logger.Info("serving", zap.String("addr", lis.Addr().String()), zap.String("alias", id.Alias), zap.Int("peers", len(peers)))

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ectx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		c.logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	if len(peers) > 0 {
		eg.Go(func() error {
			pullLoop(ectx, c.g, peers, c.conf.PullInterval, c.logger)
			return nil
		})
	}

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Pulls newer nodes from each peer every interval until ctx is canceled.
// A failing peer is logged and retried on the next round.
func pullLoop(ctx context.Context, g *graph.Graph, peers []graph.Backend, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for i, peer := range peers {
			n, err := g.Pull(ctx, peer)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("pulling from peer", zap.Int("peer", i), zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pulled from peer", zap.Int("peer", i), zap.Int("nodes", n))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
