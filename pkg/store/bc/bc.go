package bc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"git.mills.io/prologic/bitcask"
	"github.com/hashicorp/go-hclog"

	"github.com/the-maldridge/qrunner/pkg/store"
)

// bcStore keeps path metadata and NAR blobs in a bitcask on local
// disk.
type bcStore struct {
	s *bitcask.Bitcask

	l hclog.Logger
}

func init() {
	store.RegisterCallback(newFactory)
}

func newFactory() {
	store.RegisterFactory("bitcask", newBCStore)
}

func newBCStore(l hclog.Logger) (store.Store, error) {
	x := new(bcStore)
	x.l = l.Named("bitcask")

	p := os.Getenv("QRUNNER_BITCASK_PATH")
	if p == "" {
		l.Error("QRUNNER_BITCASK_PATH must be set")
		return nil, errors.New("required variable unset")
	}

	opts := []bitcask.Option{
		bitcask.WithMaxKeySize(1024),
		bitcask.WithMaxValueSize(1024 * 1000 * 512), // NARs get large
		bitcask.WithSync(true),
	}
	b, err := bitcask.Open(p, opts...)
	if err != nil {
		l.Error("Error initializing bitcask", "error", err)
		return nil, err
	}
	x.s = b

	return x, nil
}

func infoKey(path string) []byte { return []byte("info:" + path) }
func narKey(path string) []byte  { return []byte("nar:" + path) }

func (b *bcStore) getInfo(path string) (*store.NarInfo, error) {
	v, err := b.s.Get(infoKey(path))
	switch err {
	case nil:
	case bitcask.ErrKeyNotFound:
		return nil, store.ErrNotValid
	default:
		return nil, err
	}
	info := new(store.NarInfo)
	if err := json.Unmarshal(v, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (b *bcStore) QueryValidPaths(ctx context.Context, paths []string) ([]string, error) {
	valid := make([]string, 0, len(paths))
	for _, p := range paths {
		if b.s.Has(infoKey(p)) {
			valid = append(valid, p)
		}
	}
	return valid, nil
}

func (b *bcStore) QueryPathInfo(ctx context.Context, path string) (*store.NarInfo, error) {
	return b.getInfo(path)
}

func (b *bcStore) RegisterValidPath(ctx context.Context, info *store.NarInfo) error {
	v, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return b.s.Put(infoKey(info.Path), v)
}

func (b *bcStore) AddToStore(ctx context.Context, info *store.NarInfo, nar io.Reader) error {
	data, err := io.ReadAll(nar)
	if err != nil {
		return err
	}
	if err := b.s.Put(narKey(info.Path), data); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	cp := *info
	cp.NarSize = int64(len(data))
	cp.NarHash = "sha256:" + hex.EncodeToString(sum[:])
	return b.RegisterValidPath(ctx, &cp)
}

func (b *bcStore) NarFromPath(ctx context.Context, path string, w io.Writer) (*store.NarInfo, error) {
	info, err := b.getInfo(path)
	if err != nil {
		return nil, err
	}
	data, err := b.s.Get(narKey(path))
	switch err {
	case nil:
	case bitcask.ErrKeyNotFound:
		return nil, store.ErrNotValid
	default:
		return nil, err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return info, nil
}

func (b *bcStore) ReadDerivation(ctx context.Context, drvPath string) (*store.Derivation, error) {
	data, err := b.s.Get(narKey(drvPath))
	switch err {
	case nil:
	case bitcask.ErrKeyNotFound:
		return nil, fmt.Errorf("no derivation at %s: %w", drvPath, store.ErrNotValid)
	default:
		return nil, err
	}
	d := new(store.Derivation)
	if err := json.Unmarshal(data, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *bcStore) Close() error {
	return b.s.Close()
}
