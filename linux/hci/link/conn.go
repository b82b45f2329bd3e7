package link

import (
	"net"
	"time"
)

// readPoll bounds each socket read so rxLoop notices Close.
const readPoll = 100 * time.Millisecond

// deadlineConn arms a fresh deadline before every operation. Reads use the
// short readPoll and their timeouts are expected; writes use the link
// timeout and a timeout there is a failed send.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newDeadlineConn(c net.Conn, writeTimeout time.Duration) *deadlineConn {
	return &deadlineConn{Conn: c, readTimeout: readPoll, writeTimeout: writeTimeout}
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.Conn.Write(b)
}

// isTimeout reports an expired read deadline, which rxLoop ignores.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
