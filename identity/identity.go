// Package identity manages the user identities that own private record indexes.
//
// An identity is an alias plus an ed25519 key pair
// whose seed is derived from a password with argon2id.
// The hex-encoded public key is the identity's stable identifier;
// its index lives beneath it in the graph store.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

var (
	// ErrAliasTaken is the error for creating an identity whose alias already exists.
	ErrAliasTaken = errors.New("alias taken")

	// ErrBadCredentials is the error for authenticating with an unknown alias or a wrong password.
	ErrBadCredentials = errors.New("bad credentials")
)

// Params are the argon2id parameters used to derive a key pair from a password.
// They are stored with the alias,
// so an identity can be authenticated no matter what the current defaults are.
type Params struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory"` // KiB
	Threads uint8  `yaml:"threads"`
}

// DefaultParams are the argon2id parameters for new identities.
var DefaultParams = Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 1,
}

const saltLen = 16

// Identity is an authenticated identity.
type Identity struct {
	Alias string
	Pub   string // hex-encoded ed25519 public key
}

// AliasKey is the graph key of the node recording alias.
func AliasKey(alias string) string {
	return "~@" + alias
}

// IndexParent is the graph key beneath which id's private index entries live.
func (id *Identity) IndexParent() string {
	return graph.Join("~"+id.Pub, "dists")
}

// IndexKey is the graph key of id's index entry for addr.
func (id *Identity) IndexKey(addr dist.Address) string {
	return graph.Join(id.IndexParent(), string(addr))
}

// Create registers a new identity in g.
// It fails with ErrAliasTaken if the alias is already registered.
//
// The check for an existing alias and the write that claims it are not atomic
// across replicas;
// two peers racing to create the same alias will both succeed locally
// and the later write will win.
func Create(ctx context.Context, g graph.Store, alias, password string, p Params) (*Identity, error) {
	if alias == "" {
		return nil, errors.New("empty alias")
	}
	if password == "" {
		return nil, errors.New("empty password")
	}

	key := AliasKey(alias)
	_, err := g.Get(ctx, key)
	if err == nil {
		return nil, errors.Wrapf(ErrAliasTaken, "alias %s", alias)
	}
	if !errors.Is(err, dist.ErrNotFound) {
		return nil, errors.Wrapf(err, "checking alias %s", alias)
	}

	var salt [saltLen]byte
	if _, err = rand.Read(salt[:]); err != nil {
		return nil, errors.Wrap(err, "generating salt")
	}
	pub := derivePub(password, salt[:], p)

	err = g.Put(ctx, key, graph.Node{
		"alias":   alias,
		"salt":    hex.EncodeToString(salt[:]),
		"pub":     hex.EncodeToString(pub),
		"time":    int64(p.Time),
		"memory":  int64(p.Memory),
		"threads": int64(p.Threads),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "storing alias %s", alias)
	}
	return &Identity{Alias: alias, Pub: hex.EncodeToString(pub)}, nil
}

// Auth authenticates alias with password.
// It fails with ErrBadCredentials if the alias is unknown or the password is wrong.
func Auth(ctx context.Context, g graph.Store, alias, password string) (*Identity, error) {
	n, err := g.Get(ctx, AliasKey(alias))
	if errors.Is(err, dist.ErrNotFound) {
		return nil, errors.Wrapf(ErrBadCredentials, "unknown alias %s", alias)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting alias %s", alias)
	}

	saltHex, _ := n["salt"].(string)
	pubHex, _ := n["pub"].(string)
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return nil, errors.Errorf("alias %s has a malformed salt", alias)
	}
	want, err := hex.DecodeString(pubHex)
	if err != nil || len(want) != ed25519.PublicKeySize {
		return nil, errors.Errorf("alias %s has a malformed public key", alias)
	}

	var p Params
	t, _ := dist.Int64(n["time"])
	m, _ := dist.Int64(n["memory"])
	th, _ := dist.Int64(n["threads"])
	p.Time, p.Memory, p.Threads = uint32(t), uint32(m), uint8(th)
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return nil, errors.Errorf("alias %s has malformed key-derivation parameters", alias)
	}

	got := derivePub(password, salt, p)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, errors.Wrapf(ErrBadCredentials, "wrong password for alias %s", alias)
	}
	return &Identity{Alias: alias, Pub: pubHex}, nil
}

func derivePub(password string, salt []byte, p Params) []byte {
	seed := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey)
}
