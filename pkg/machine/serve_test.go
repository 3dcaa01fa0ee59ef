package machine

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/the-maldridge/qrunner/pkg/store"
	"github.com/the-maldridge/qrunner/pkg/types"
)

// testServe is a minimal in-process peer for the serve protocol.
type testServe struct {
	in  io.Reader
	out io.Writer

	valid map[string]struct{}
	nars  map[string][]byte
}

func (s *testServe) readNum(t *testing.T) uint64 {
	t.Helper()
	var buf [8]byte
	if _, err := io.ReadFull(s.in, buf[:]); err != nil {
		t.Fatalf("server read: %v", err)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (s *testServe) readString(t *testing.T) string {
	n := s.readNum(t)
	buf := make([]byte, int(n+7)/8*8)
	if _, err := io.ReadFull(s.in, buf); err != nil {
		t.Fatalf("server read string: %v", err)
	}
	return string(buf[:n])
}

func (s *testServe) writeNum(t *testing.T, n uint64) {
	t.Helper()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	if _, err := s.out.Write(buf[:]); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (s *testServe) writeString(t *testing.T, str string) {
	s.writeNum(t, uint64(len(str)))
	s.out.Write([]byte(str))
	if pad := (8 - len(str)%8) % 8; pad > 0 {
		s.out.Write(make([]byte, pad))
	}
}

func (s *testServe) run(t *testing.T) {
	if got := s.readNum(t); got != serveMagic1 {
		t.Errorf("client magic = %#x", got)
		return
	}
	s.readNum(t) // client version
	s.writeNum(t, serveMagic2)
	s.writeNum(t, serveVersion)

	for {
		var buf [8]byte
		if _, err := io.ReadFull(s.in, buf[:]); err != nil {
			return // client hung up
		}
		switch binary.LittleEndian.Uint64(buf[:]) {
		case cmdQueryValidPaths:
			n := s.readNum(t)
			var have []string
			for i := uint64(0); i < n; i++ {
				p := s.readString(t)
				if _, ok := s.valid[p]; ok {
					have = append(have, p)
				}
			}
			s.writeNum(t, uint64(len(have)))
			for _, p := range have {
				s.writeString(t, p)
			}
		case cmdImportPaths:
			n := s.readNum(t)
			for i := uint64(0); i < n; i++ {
				p := s.readString(t)
				sz := s.readNum(t)
				data := make([]byte, int(sz+7)/8*8)
				if _, err := io.ReadFull(s.in, data); err != nil {
					t.Errorf("import read: %v", err)
					return
				}
				s.nars[p] = data[:sz]
				s.valid[p] = struct{}{}
			}
			s.writeNum(t, 1)
		case cmdBuildDerivation:
			s.readString(t) // drvPath
			s.readString(t) // drv json
			s.readNum(t)    // maxSilentTime
			s.readNum(t)    // buildTimeout
			s.readNum(t)    // maxLogSize
			s.readNum(t)    // repeats
			s.writeString(t, "hello from the builder\n")
			s.writeString(t, "")
			s.writeNum(t, uint64(types.BuildSuccess))
			s.writeString(t, "")
			s.writeNum(t, 1) // timesBuilt
			s.writeNum(t, 0) // isNonDeterministic
			s.writeNum(t, 100)
			s.writeNum(t, 200)
		case cmdDumpStorePath:
			p := s.readString(t)
			data := s.nars[p]
			s.writeNum(t, uint64(len(data)))
			s.out.Write(data)
			if pad := (8 - len(data)%8) % 8; pad > 0 {
				s.out.Write(make([]byte, pad))
			}
		default:
			t.Error("unknown command")
			return
		}
	}
}

func newServePair(t *testing.T) (BuildClient, *testServe) {
	t.Helper()
	c2s := newPipe()
	s2c := newPipe()
	srv := &testServe{
		in:    c2s,
		out:   s2c,
		valid: make(map[string]struct{}),
		nars:  make(map[string][]byte),
	}
	go srv.run(t)
	c, err := NewServeClient(hclog.NewNullLogger(), s2c, c2s, nil)
	if err != nil {
		t.Fatalf("NewServeClient: %v", err)
	}
	return c, srv
}

func TestServeQueryValidPaths(t *testing.T) {
	c, srv := newServePair(t)
	srv.valid["/store/a"] = struct{}{}

	got, err := c.QueryValidPaths(context.Background(), []string{"/store/a", "/store/b"})
	if err != nil {
		t.Fatalf("QueryValidPaths: %v", err)
	}
	if len(got) != 1 || got[0] != "/store/a" {
		t.Errorf("valid = %v, want [/store/a]", got)
	}
}

func TestServeImportAndDump(t *testing.T) {
	c, _ := newServePair(t)
	ctx := context.Background()

	payload := []byte("some nar bytes here")
	err := c.ImportPaths(ctx, []string{"/store/x"}, func(p string, w io.Writer) error {
		_, werr := w.Write(payload)
		return werr
	})
	if err != nil {
		t.Fatalf("ImportPaths: %v", err)
	}

	var buf bytes.Buffer
	if err := c.NarFromPath(ctx, "/store/x", &buf); err != nil {
		t.Fatalf("NarFromPath: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Errorf("round trip mismatch: %q", buf.Bytes())
	}
}

func TestServeBuildDerivation(t *testing.T) {
	c, _ := newServePair(t)

	var log bytes.Buffer
	drv := &store.Derivation{Platform: "x86_64-linux"}
	res, err := c.BuildDerivation(context.Background(), "/store/d.drv", drv, BuildOptions{}, &log)
	if err != nil {
		t.Fatalf("BuildDerivation: %v", err)
	}
	if res.StepStatus != types.BuildSuccess {
		t.Errorf("status = %v, want success", res.StepStatus)
	}
	if res.TimesBuilt != 1 || res.StartTime != 100 || res.StopTime != 200 {
		t.Errorf("result = %+v", res)
	}
	if log.String() != "hello from the builder\n" {
		t.Errorf("log = %q", log.String())
	}
}

// pipe is a simple unbounded byte pipe safe for one reader and one
// writer.
type pipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipe() *pipe {
	r, w := io.Pipe()
	return &pipe{r: r, w: w}
}

func (p *pipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.w.Write(b) }
