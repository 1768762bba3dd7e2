package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/bobg/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bobg/dist/graph"
)

// AliasPrefix begins every generated alias.
const AliasPrefix = "dist_"

// Credentials are the locally persisted secrets of an identity.
type Credentials struct {
	Alias    string `yaml:"alias"`
	Password string `yaml:"password"`
}

type bootstrapConf struct {
	params Params
	logger *zap.Logger
}

// Option is an option to Bootstrap.
type Option func(*bootstrapConf)

// WithParams sets the key-derivation parameters for a newly created identity.
func WithParams(p Params) Option {
	return func(c *bootstrapConf) {
		c.params = p
	}
}

// WithLogger sets the logger for Bootstrap.
func WithLogger(logger *zap.Logger) Option {
	return func(c *bootstrapConf) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Bootstrap produces the local identity,
// creating it on first use.
//
// If the credentials file at path exists,
// its alias and password are used to authenticate.
// (If the alias is unknown to g, as with a fresh store,
// it is re-created with the same credentials.)
// Otherwise a fresh alias and random password are generated,
// registered,
// and written to path (mode 0600) only after registration succeeds.
//
// A file lock is held on path for the duration,
// so concurrent processes sharing a credentials file create at most one identity.
func Bootstrap(ctx context.Context, g graph.Store, path string, opts ...Option) (*Identity, error) {
	conf := bootstrapConf{params: DefaultParams, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&conf)
	}

	unlock, err := lockCredentials(path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	creds, err := ReadCredentials(path)
	if errors.Is(err, os.ErrNotExist) {
		return createFresh(ctx, g, path, conf)
	}
	if err != nil {
		return nil, err
	}

	id, err := Auth(ctx, g, creds.Alias, creds.Password)
	if errors.Is(err, ErrBadCredentials) {
		if _, getErr := g.Get(ctx, AliasKey(creds.Alias)); getErr != nil {
			conf.logger.Info("alias unknown to the graph store, re-creating", zap.String("alias", creds.Alias))
			if _, err = Create(ctx, g, creds.Alias, creds.Password, conf.params); err != nil {
				return nil, errors.Wrap(err, "re-creating identity")
			}
			id, err = Auth(ctx, g, creds.Alias, creds.Password)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "authenticating")
	}
	conf.logger.Info("authenticated", zap.String("alias", id.Alias), zap.String("pub", id.Pub))
	return id, nil
}

func createFresh(ctx context.Context, g graph.Store, path string, conf bootstrapConf) (*Identity, error) {
	var pw [24]byte
	if _, err := rand.Read(pw[:]); err != nil {
		return nil, errors.Wrap(err, "generating password")
	}
	creds := Credentials{
		Alias:    AliasPrefix + uuid.NewString(),
		Password: hex.EncodeToString(pw[:]),
	}

	if _, err := Create(ctx, g, creds.Alias, creds.Password, conf.params); err != nil {
		return nil, errors.Wrap(err, "creating identity")
	}
	id, err := Auth(ctx, g, creds.Alias, creds.Password)
	if err != nil {
		return nil, errors.Wrap(err, "authenticating new identity")
	}
	if err = WriteCredentials(path, creds); err != nil {
		return nil, err
	}
	conf.logger.Info("created identity", zap.String("alias", id.Alias), zap.String("pub", id.Pub))
	return id, nil
}

// ReadCredentials reads a credentials file.
// The error wraps os.ErrNotExist if there is no file.
func ReadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var creds Credentials
	if err = yaml.Unmarshal(data, &creds); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if creds.Alias == "" || creds.Password == "" {
		return nil, errors.Errorf("%s is missing alias or password", path)
	}
	return &creds, nil
}

// WriteCredentials atomically writes a credentials file readable only by its owner.
func WriteCredentials(path string, creds Credentials) error {
	data, err := yaml.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "encoding credentials")
	}
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "ensuring %s exists", dir)
	}
	tmp, err := os.CreateTemp(dir, ".credentials")
	if err != nil {
		return errors.Wrapf(err, "creating temp file in %s", dir)
	}
	tmpname := tmp.Name()
	defer os.Remove(tmpname)

	if err = tmp.Chmod(0600); err == nil {
		_, err = tmp.Write(data)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "writing %s", tmpname)
	}
	return errors.Wrapf(os.Rename(tmpname, path), "renaming %s to %s", tmpname, path)
}

func lockCredentials(path string) (func(), error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "ensuring %s exists", dir)
	}
	lockpath := path + ".lock"
	f, err := os.OpenFile(lockpath, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "creating lock file %s", lockpath)
	}
	f.Close()

	var flocker flock.Locker
	if err = flocker.Lock(lockpath); err != nil {
		return nil, errors.Wrapf(err, "locking %s", lockpath)
	}
	return func() { flocker.Unlock(lockpath) }, nil
}
