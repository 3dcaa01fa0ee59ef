package store

import (
	"context"
	"errors"
	"io"

	"github.com/hashicorp/go-hclog"
)

var (
	log hclog.Logger

	initcallbacks []func()

	factories map[string]Factory
)

// A Factory creates a store instance that realized outputs can be
// registered into and served from.
type Factory func(hclog.Logger) (Store, error)

func init() {
	factories = make(map[string]Factory)
	log = hclog.L()
}

// SetLogger injects a logger into this package to allow setting up a
// logger tree.
func SetLogger(l hclog.Logger) {
	log = l
}

// RegisterFactory registers a factory to the list of available store
// backends that can be used.
func RegisterFactory(s string, f Factory) {
	if _, exists := factories[s]; exists {
		log.Warn("Store name collision", "store", s)
		return
	}
	factories[s] = f
	log.Info("Registered store", "store", s)
}

// RegisterCallback provides a mechanism for early registration of a
// function to be called during initialization.  This allows the
// actual factories to be registered later once config parsing has
// happened, logging is configured, and other early-init tasks are
// complete.
func RegisterCallback(f func()) {
	initcallbacks = append(initcallbacks, f)
}

// DoCallbacks is used to invoke all callbacks and perform phase one
// setup which will register the handlers to the map of factories.
func DoCallbacks() {
	for _, cb := range initcallbacks {
		cb()
	}
}

// Initialize attempts to initialize the given store and returns
// either a ready to use store or an error.
func Initialize(s string) (Store, error) {
	f, ok := factories[s]
	if !ok {
		log.Error("Non-existant factory requested", "factory", s)
		return nil, errors.New("no factory exists with that name")
	}
	return f(log)
}

// ErrNotValid is returned when a path is requested that the store
// does not hold.
var ErrNotValid = errors.New("path is not valid in this store")

// A Store holds realized store paths and the derivations that
// produced them.  Implementations must be safe for concurrent use.
type Store interface {
	// QueryValidPaths filters the given set down to the paths this
	// store holds.
	QueryValidPaths(ctx context.Context, paths []string) ([]string, error)

	// QueryPathInfo returns the metadata for a single valid path,
	// or ErrNotValid.
	QueryPathInfo(ctx context.Context, path string) (*NarInfo, error)

	// RegisterValidPath records metadata for a path without moving
	// any data.
	RegisterValidPath(ctx context.Context, info *NarInfo) error

	// AddToStore imports a NAR stream and registers it under
	// info.Path.
	AddToStore(ctx context.Context, info *NarInfo, nar io.Reader) error

	// NarFromPath serializes a valid path as a NAR onto w.
	NarFromPath(ctx context.Context, path string, w io.Writer) (*NarInfo, error)

	// ReadDerivation loads and parses the derivation at drvPath.
	ReadDerivation(ctx context.Context, drvPath string) (*Derivation, error)

	Close() error
}
