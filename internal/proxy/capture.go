package proxy

import (
	"bytes"
	"io"
	"sync"
)

// bodyCapture tees everything read through it into a bounded buffer.
// maxBytes < 0 means unlimited.
type bodyCapture struct {
	rc       io.ReadCloser
	maxBytes int
	// keepOpen makes Close a no-op so that a request body abandoned by the
	// transport can still be drained. net/http closes inbound bodies itself
	// once the handler returns.
	keepOpen bool

	mu       sync.Mutex
	payload  bytes.Buffer
	totalLen int64
	eof      bool
}

func newBodyCapture(rc io.ReadCloser, maxBytes int) *bodyCapture {
	return &bodyCapture{rc: rc, maxBytes: maxBytes}
}

func newRequestBodyCapture(rc io.ReadCloser, maxBytes int) *bodyCapture {
	return &bodyCapture{rc: rc, maxBytes: maxBytes, keepOpen: true}
}

func (c *bodyCapture) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.mu.Lock()
	if n > 0 {
		c.totalLen += int64(n)
		c.keep(p[:n])
	}
	if err == io.EOF {
		c.eof = true
	}
	c.mu.Unlock()
	return n, err
}

func (c *bodyCapture) keep(b []byte) {
	if c.maxBytes < 0 {
		c.payload.Write(b)
		return
	}
	if remaining := c.maxBytes - c.payload.Len(); remaining > 0 {
		if len(b) > remaining {
			b = b[:remaining]
		}
		c.payload.Write(b)
	}
}

func (c *bodyCapture) Close() error {
	if c.keepOpen {
		return nil
	}
	return c.rc.Close()
}

// Snapshot returns a copy of the captured bytes and whether the body was
// larger than the capture limit.
func (c *bodyCapture) Snapshot() (payload []byte, truncated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload.Len() > 0 {
		payload = append([]byte(nil), c.payload.Bytes()...)
	}
	return payload, c.totalLen > int64(c.payload.Len())
}

// drain reads whatever the transport left unread, stopping at EOF or once
// the capture limit is reached.
func (c *bodyCapture) drain() {
	c.mu.Lock()
	done := c.eof
	remaining := int64(-1)
	if c.maxBytes >= 0 {
		remaining = int64(c.maxBytes - c.payload.Len())
		if remaining <= 0 {
			done = true
		}
	}
	c.mu.Unlock()
	if done {
		return
	}
	var r io.Reader = c
	if remaining >= 0 {
		r = io.LimitReader(c, remaining)
	}
	_, _ = io.Copy(io.Discard, r)
}
