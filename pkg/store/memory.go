package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
)

func init() {
	RegisterCallback(func() {
		RegisterFactory("memory", func(l hclog.Logger) (Store, error) {
			return NewMemory(), nil
		})
	})
}

// Memory is a store held entirely in process memory.  It backs tests
// and dry runs where persistence across restarts is unwanted.
type Memory struct {
	mu    sync.Mutex
	infos map[string]*NarInfo
	nars  map[string][]byte
	drvs  map[string]*Derivation
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		infos: make(map[string]*NarInfo),
		nars:  make(map[string][]byte),
		drvs:  make(map[string]*Derivation),
	}
}

func (m *Memory) QueryValidPaths(ctx context.Context, paths []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	valid := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := m.infos[p]; ok {
			valid = append(valid, p)
		}
	}
	return valid, nil
}

func (m *Memory) QueryPathInfo(ctx context.Context, path string) (*NarInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[path]
	if !ok {
		return nil, ErrNotValid
	}
	cp := *info
	return &cp, nil
}

func (m *Memory) RegisterValidPath(ctx context.Context, info *NarInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *info
	m.infos[info.Path] = &cp
	return nil
}

func (m *Memory) AddToStore(ctx context.Context, info *NarInfo, nar io.Reader) error {
	data, err := io.ReadAll(nar)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	cp := *info
	cp.NarSize = int64(len(data))
	cp.NarHash = "sha256:" + hex.EncodeToString(sum[:])
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nars[info.Path] = data
	m.infos[info.Path] = &cp
	return nil
}

func (m *Memory) NarFromPath(ctx context.Context, path string, w io.Writer) (*NarInfo, error) {
	m.mu.Lock()
	data, ok := m.nars[path]
	info := m.infos[path]
	m.mu.Unlock()
	if !ok || info == nil {
		return nil, ErrNotValid
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	cp := *info
	return &cp, nil
}

func (m *Memory) ReadDerivation(ctx context.Context, drvPath string) (*Derivation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drvs[drvPath]; ok {
		return d, nil
	}
	data, ok := m.nars[drvPath]
	if !ok {
		return nil, fmt.Errorf("no derivation at %s: %w", drvPath, ErrNotValid)
	}
	d := new(Derivation)
	if err := json.Unmarshal(data, d); err != nil {
		return nil, err
	}
	m.drvs[drvPath] = d
	return d, nil
}

func (m *Memory) Close() error { return nil }

// AddDerivation registers a parsed derivation directly, marking its
// path valid.  Test helper.
func (m *Memory) AddDerivation(drvPath string, d *Derivation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drvs[drvPath] = d
	m.infos[drvPath] = &NarInfo{Path: drvPath}
}
