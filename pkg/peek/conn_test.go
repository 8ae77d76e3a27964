// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package peek

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	perrors "github.com/absmach/protomux/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkConn serves data in fixed-size reads and then returns tail.
type chunkConn struct {
	net.Conn
	data  []byte
	chunk int
	tail  error
}

func (c *chunkConn) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, c.tail
	}
	n := min(len(p), c.chunk, len(c.data))
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func newChunkConn(data []byte, chunk int) *chunkConn {
	return &chunkConn{data: append([]byte(nil), data...), chunk: chunk, tail: io.EOF}
}

func TestReplayIdempotence(t *testing.T) {
	payload := []byte("\x16\x03\x01\x02\x00\x01\x00\x01\xfc\x03\x03GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")

	for _, chunk := range []int{1, 3, 7, len(payload)} {
		for n := 0; n <= len(payload); n++ {
			c := NewConn(newChunkConn(payload, chunk))

			got, err := c.Peek(n)
			require.NoError(t, err, "chunk=%d n=%d", chunk, n)
			assert.Equal(t, payload[:n], got, "chunk=%d n=%d", chunk, n)

			all, err := io.ReadAll(c)
			require.NoError(t, err)
			assert.Equal(t, payload, all, "chunk=%d n=%d", chunk, n)
		}
	}
}

func TestPeekReusesBuffer(t *testing.T) {
	src := newChunkConn([]byte("PROXY TCP4 1.2.3.4 5.6.7.8 1 2\r\n"), 4)
	c := NewConn(src)

	first, err := c.Peek(6)
	require.NoError(t, err)
	assert.Equal(t, "PROXY ", string(first))

	remaining := len(src.data)
	again, err := c.Peek(3)
	require.NoError(t, err)
	assert.Equal(t, "PRO", string(again))
	assert.Equal(t, remaining, len(src.data), "a shorter peek must not read from the stream")

	longer, err := c.Peek(10)
	require.NoError(t, err)
	assert.Equal(t, "PROXY TCP4", string(longer))
}

func TestPeekShortStream(t *testing.T) {
	c := NewConn(newChunkConn([]byte{0x16}, 1))

	got, err := c.Peek(5)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte{0x16}, got)

	all, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x16}, all)
}

func TestPeekErrorKeepsPartialData(t *testing.T) {
	boom := errors.New("connection reset by peer")
	src := newChunkConn([]byte("GET"), 2)
	src.tail = boom
	c := NewConn(src)

	got, err := c.Peek(8)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrStream)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "GET", string(got))

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "GET", string(buf[:n]))
}

func TestPeekAfterPartialRead(t *testing.T) {
	c := NewConn(newChunkConn([]byte("abcdefgh"), 8))

	_, err := c.Peek(4)
	require.NoError(t, err)

	buf := make([]byte, 2)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	got, err := c.Peek(4)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(got))

	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "cdefgh", string(rest))
}

func TestMoreRespectsLimit(t *testing.T) {
	c := NewConn(newChunkConn([]byte("0123456789"), 3))

	got, err := c.More(4)
	require.NoError(t, err)
	assert.Equal(t, "012", string(got))

	got, err = c.More(4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(got))

	got, err = c.More(4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(got), "window already at limit")
}

func TestPeekTimeoutOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{0x16})
	}()

	c := NewConn(server)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(50*time.Millisecond)))

	got, err := c.Peek(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Equal(t, []byte{0x16}, got)
	assert.Equal(t, 1, c.Buffered())
}

func TestReadDeadlineRecorded(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(server)
	assert.True(t, c.ReadDeadline().IsZero())

	d := time.Now().Add(time.Minute)
	require.NoError(t, c.SetReadDeadline(d))
	assert.True(t, d.Equal(c.ReadDeadline()))

	require.NoError(t, c.SetDeadline(time.Time{}))
	assert.True(t, c.ReadDeadline().IsZero())
}

func TestWriteToAndReplay(t *testing.T) {
	payload := []byte("SSH-2.0-OpenSSH_9.6\r\nrest of stream")
	c := NewConn(newChunkConn(payload, 5))

	_, err := c.Peek(4)
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := c.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, out.Bytes())

	r := Replay(newChunkConn([]byte(" world"), 2), []byte("hello"))
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(all))
}

func TestNewConnDoesNotDoubleWrap(t *testing.T) {
	c := NewConn(newChunkConn([]byte("x"), 1))
	assert.Same(t, c, NewConn(c))

	_, err := c.Peek(1)
	require.NoError(t, err)
	rest, inner := c.Detach()
	assert.Equal(t, "x", string(rest))
	assert.NotNil(t, inner)
}
