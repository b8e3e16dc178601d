package devicefeed

import (
	"bufio"
	"net"
	"sync"

	"github.com/phuslu/log"
)

type Conn struct {
	cid   uint64
	tuple []string
	r     *bufio.Reader
	wmu   sync.Mutex
	net.Conn
}

func NewConn(c net.Conn, cid uint64) *Conn {
	return newConn(c, bufio.NewReader(c), cid, c.RemoteAddr().String())
}

// newConn is used for tunneled streams where the real remote address was
// sent in-band and part of the stream is already buffered in r.
func newConn(c net.Conn, r *bufio.Reader, cid uint64, raddr string) *Conn {
	sourceip, sourceport, _ := net.SplitHostPort(raddr)
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())
	return &Conn{cid: cid, tuple: []string{sourceip, sourceport, targetip, targetport}, r: r, Conn: c}
}

func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// WriteFrame serializes concurrent writers so frames never interleave.
func (c *Conn) WriteFrame(protocol byte, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteMessage(c.Conn, protocol, payload)
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Strs("socket", c.tuple).Uint64("cid", c.cid)
}
