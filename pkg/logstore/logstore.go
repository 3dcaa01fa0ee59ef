package logstore

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zstd"
)

// ErrLogLimit is returned by a sink whose size budget is exhausted.
var ErrLogLimit = errors.New("log size limit exceeded")

// LogStore writes build logs compressed to a two-level directory
// keyed by derivation name, the same layout external log servers
// expect.
type LogStore struct {
	l   hclog.Logger
	dir string

	maxLogSize int64
}

// New returns a log store rooted at dir.  maxLogSize of zero means
// unlimited.
func New(l hclog.Logger, dir string, maxLogSize int64) *LogStore {
	return &LogStore{
		l:          l.Named("logstore"),
		dir:        dir,
		maxLogSize: maxLogSize,
	}
}

// Path computes where the log for a derivation lives.
func (ls *LogStore) Path(drvPath string) string {
	base := filepath.Base(drvPath)
	base = strings.TrimSuffix(base, ".drv")
	if len(base) < 2 {
		return filepath.Join(ls.dir, "00", base)
	}
	return filepath.Join(ls.dir, base[:2], base[2:])
}

// Create opens a compressed sink for a derivation's build log.  The
// returned sink must be closed; Truncated reports whether the size
// limit cut the log short.
func (ls *LogStore) Create(drvPath string) (*Sink, error) {
	p := ls.Path(drvPath)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Sink{f: f, zw: zw, budget: ls.maxLogSize, path: p}, nil
}

// Open returns a decompressing reader over a previously written log.
func (ls *LogStore) Open(drvPath string) (io.ReadCloser, error) {
	f, err := os.Open(ls.Path(drvPath))
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return readCloser{zr.IOReadCloser(), f}, nil
}

type readCloser struct {
	io.ReadCloser
	f *os.File
}

func (r readCloser) Close() error {
	err := r.ReadCloser.Close()
	if ferr := r.f.Close(); err == nil {
		err = ferr
	}
	return err
}

// Sink is one open log being written.
type Sink struct {
	f      *os.File
	zw     *zstd.Encoder
	path   string
	budget int64
	n      int64

	truncated bool
}

// Write appends log data, dropping anything past the size budget.
func (s *Sink) Write(p []byte) (int, error) {
	if s.truncated {
		return len(p), nil
	}
	if s.budget > 0 && s.n+int64(len(p)) > s.budget {
		keep := s.budget - s.n
		if keep > 0 {
			if _, err := s.zw.Write(p[:keep]); err != nil {
				return 0, err
			}
			s.n += keep
		}
		s.truncated = true
		return len(p), nil
	}
	n, err := s.zw.Write(p)
	s.n += int64(n)
	return n, err
}

// Truncated reports whether the size budget cut the log short.
func (s *Sink) Truncated() bool { return s.truncated }

// Size is the number of uncompressed bytes accepted.
func (s *Sink) Size() int64 { return s.n }

// Path is where the log lives on disk.
func (s *Sink) Path() string { return s.path }

// Close flushes the compressor and the underlying file.
func (s *Sink) Close() error {
	err := s.zw.Close()
	if ferr := s.f.Close(); err == nil {
		err = ferr
	}
	return err
}
