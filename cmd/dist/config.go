package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bobg/dist/graph"
)

// A config file looks like:
//
//	graph:
//	  type: sqlite3
//	  conn: dist.db
//	credentials: ~/.config/dist/credentials.yaml
//	listen: ":8080"
//	lru: 10000
//	peers:
//	  - type: file
//	    root: /mnt/shared/dist
//	pull_interval: 30s
type config struct {
	Graph        map[string]interface{}   `yaml:"graph"`
	Credentials  string                   `yaml:"credentials"`
	Listen       string                   `yaml:"listen"`
	LRU          int                      `yaml:"lru"`
	Peers        []map[string]interface{} `yaml:"peers"`
	PullInterval time.Duration            `yaml:"pull_interval"`
}

const (
	defaultListen       = ":8080"
	defaultPullInterval = 30 * time.Second
)

func readConfig(filename string) (*config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filename)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*config, error) {
	var conf config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if conf.Graph == nil {
		return nil, errors.New("config missing `graph` section")
	}
	if _, ok := conf.Graph["type"].(string); !ok {
		return nil, errors.New("config `graph` section missing `type` parameter")
	}
	if conf.Listen == "" {
		conf.Listen = defaultListen
	}
	if conf.PullInterval <= 0 {
		conf.PullInterval = defaultPullInterval
	}
	if conf.Credentials == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, errors.Wrap(err, "finding config dir for credentials")
		}
		conf.Credentials = filepath.Join(dir, "dist", "credentials.yaml")
	} else {
		conf.Credentials = expandHome(conf.Credentials)
	}
	return &conf, nil
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (c *config) peers(ctx context.Context) ([]graph.Backend, error) {
	var result []graph.Backend
	for i, pconf := range c.Peers {
		b, err := graph.CreateFromConf(ctx, pconf)
		if err != nil {
			return nil, errors.Wrapf(err, "creating peer %d", i)
		}
		result = append(result, b)
	}
	return result, nil
}
