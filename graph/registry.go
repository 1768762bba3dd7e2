package graph

import (
	"context"

	"github.com/pkg/errors"
)

// Factory creates a Backend from a configuration mapping.
type Factory func(context.Context, map[string]interface{}) (Backend, error)

var registry = make(map[string]Factory)

// Register makes a Backend type available to Create under the given key.
// Backend packages call it from their init functions.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create creates a Backend of the type registered under key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (Backend, error) {
	f, ok := registry[key]
	if !ok {
		return nil, errors.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// CreateFromConf creates a Backend whose type is given by conf's "type" entry.
func CreateFromConf(ctx context.Context, conf map[string]interface{}) (Backend, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`missing "type" parameter`)
	}
	return Create(ctx, typ, conf)
}

// Nested creates the Backend described by conf[param],
// for backends that wrap another.
func Nested(ctx context.Context, conf map[string]interface{}, param string) (Backend, error) {
	nested, ok := conf[param].(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("missing %q parameter", param)
	}
	b, err := CreateFromConf(ctx, nested)
	return b, errors.Wrapf(err, "creating %s backend", param)
}
