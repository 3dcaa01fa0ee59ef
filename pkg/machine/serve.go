package machine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/the-maldridge/qrunner/pkg/store"
	"github.com/the-maldridge/qrunner/pkg/types"
)

// The serve protocol is a simple binary request/response exchange
// over a persistent byte stream, little-endian 64 bit integers and
// 8-byte-padded strings.  The production transport is an ssh child
// process running the remote serve endpoint.
const (
	serveMagic1  = 0x390c9deb
	serveMagic2  = 0x5452eecb
	serveVersion = 0x206

	cmdQueryValidPaths = 1
	cmdDumpStorePath   = 3
	cmdImportPaths     = 4
	cmdBuildDerivation = 8
)

// serveClient speaks the serve protocol over an arbitrary stream.
type serveClient struct {
	l hclog.Logger

	mu  sync.Mutex
	in  *bufio.Reader
	out *bufio.Writer

	closer func() error
}

// NewServeDialer returns the production Dialer: it starts one ssh
// child per connection against the machine's store URI and speaks
// the serve protocol across it.
func NewServeDialer(l hclog.Logger) Dialer {
	sl := l.Named("serve")
	return func(ctx context.Context, m *Machine) (BuildClient, error) {
		host := strings.TrimPrefix(m.StoreURI, "ssh://")
		args := []string{"-x", "-a", "-oBatchMode=yes"}
		if m.SSHKey != "" {
			args = append(args, "-i", m.SSHKey)
		}
		args = append(args, host, "--", "qrunner-serve")
		cmd := exec.CommandContext(ctx, "ssh", args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		closer := func() error {
			stdin.Close()
			return cmd.Wait()
		}
		c, err := NewServeClient(sl, stdout, stdin, closer)
		if err != nil {
			stdin.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, err
		}
		return c, nil
	}
}

// NewServeClient performs the protocol handshake over the given
// stream pair and returns a ready client.  closer tears the
// transport down and may be nil.
func NewServeClient(l hclog.Logger, r io.Reader, w io.Writer, closer func() error) (BuildClient, error) {
	c := &serveClient{
		l:      l,
		in:     bufio.NewReader(r),
		out:    bufio.NewWriter(w),
		closer: closer,
	}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *serveClient) handshake() error {
	c.writeNum(serveMagic1)
	c.writeNum(serveVersion)
	if err := c.out.Flush(); err != nil {
		return err
	}
	magic, err := c.readNum()
	if err != nil {
		return err
	}
	if magic != serveMagic2 {
		return fmt.Errorf("serve protocol: bad magic %#x", magic)
	}
	if _, err := c.readNum(); err != nil { // remote version, unused
		return err
	}
	return nil
}

func (c *serveClient) writeNum(n uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	c.out.Write(buf[:])
}

func (c *serveClient) writeString(s string) {
	c.writeNum(uint64(len(s)))
	c.out.WriteString(s)
	if pad := (8 - len(s)%8) % 8; pad > 0 {
		c.out.Write(make([]byte, pad))
	}
}

func (c *serveClient) writeStrings(ss []string) {
	c.writeNum(uint64(len(ss)))
	for _, s := range ss {
		c.writeString(s)
	}
}

func (c *serveClient) readNum() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.in, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *serveClient) readString() (string, error) {
	n, err := c.readNum()
	if err != nil {
		return "", err
	}
	if n > 1<<30 {
		return "", errors.New("serve protocol: string field too large")
	}
	buf := make([]byte, int(n+7)/8*8)
	if _, err := io.ReadFull(c.in, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func (c *serveClient) readStrings() ([]string, error) {
	n, err := c.readNum()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := c.readString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *serveClient) QueryValidPaths(ctx context.Context, paths []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeNum(cmdQueryValidPaths)
	c.writeStrings(paths)
	if err := c.out.Flush(); err != nil {
		return nil, err
	}
	return c.readStrings()
}

func (c *serveClient) ImportPaths(ctx context.Context, paths []string, source func(path string, w io.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeNum(cmdImportPaths)
	c.writeNum(uint64(len(paths)))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		var nar bytes.Buffer
		if err := source(p, &nar); err != nil {
			return err
		}
		c.writeString(p)
		c.writeNum(uint64(nar.Len()))
		c.out.Write(nar.Bytes())
		if pad := (8 - nar.Len()%8) % 8; pad > 0 {
			c.out.Write(make([]byte, pad))
		}
	}
	if err := c.out.Flush(); err != nil {
		return err
	}
	ack, err := c.readNum()
	if err != nil {
		return err
	}
	if ack != 1 {
		return errors.New("serve protocol: import rejected")
	}
	return nil
}

func (c *serveClient) BuildDerivation(ctx context.Context, drvPath string, drv *store.Derivation, opts BuildOptions, logSink io.Writer) (*types.RemoteResult, error) {
	drvJSON, err := json.Marshal(drv)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeNum(cmdBuildDerivation)
	c.writeString(drvPath)
	c.writeString(string(drvJSON))
	c.writeNum(uint64(opts.MaxSilentTime))
	c.writeNum(uint64(opts.BuildTimeout))
	c.writeNum(uint64(opts.MaxLogSize))
	c.writeNum(uint64(opts.Repeats))
	if err := c.out.Flush(); err != nil {
		return nil, err
	}

	// Log chunks stream back first, terminated by an empty chunk.
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := c.readString()
		if err != nil {
			return nil, err
		}
		if chunk == "" {
			break
		}
		if logSink != nil {
			if _, err := io.WriteString(logSink, chunk); err != nil {
				return nil, err
			}
		}
	}

	res := new(types.RemoteResult)
	status, err := c.readNum()
	if err != nil {
		return nil, err
	}
	res.StepStatus = types.BuildStatus(status)
	if res.ErrorMsg, err = c.readString(); err != nil {
		return nil, err
	}
	var n uint64
	if n, err = c.readNum(); err != nil {
		return nil, err
	}
	res.TimesBuilt = int(n)
	if n, err = c.readNum(); err != nil {
		return nil, err
	}
	res.IsNonDeterministic = n != 0
	if n, err = c.readNum(); err != nil {
		return nil, err
	}
	res.StartTime = int64(n)
	if n, err = c.readNum(); err != nil {
		return nil, err
	}
	res.StopTime = int64(n)
	return res, nil
}

func (c *serveClient) NarFromPath(ctx context.Context, path string, w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeNum(cmdDumpStorePath)
	c.writeString(path)
	if err := c.out.Flush(); err != nil {
		return err
	}
	n, err := c.readNum()
	if err != nil {
		return err
	}
	if _, err := io.CopyN(w, c.in, int64(n)); err != nil {
		return err
	}
	if pad := (8 - n%8) % 8; pad > 0 {
		if _, err := io.CopyN(io.Discard, c.in, int64(pad)); err != nil {
			return err
		}
	}
	return nil
}

func (c *serveClient) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}
