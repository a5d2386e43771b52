package engine

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/growcache/growcache/lib/storage"
	"github.com/growcache/growcache/runtime/common"
	"github.com/stretchr/testify/require"
)

// startTestServer spins up a one-worker readiness engine on a free
// port and returns its address.
func startTestServer(t *testing.T, mutate func(*common.ServerConfig)) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := common.DefaultConfig()
	cfg.Listen = addr
	cfg.Workers = 1
	cfg.BufferSize = 4096
	cfg.MaxConnections = 64
	cfg.MaxValueSize = 1 << 20
	cfg.MaxMemory = 16 << 20
	if mutate != nil {
		mutate(&cfg)
	}

	st := storage.New(storage.Options{
		MaxMemory:    cfg.MaxMemory,
		DefaultTTL:   cfg.DefaultTTL,
		MaxValueSize: cfg.MaxValueSize,
	})

	eng := newReadinessEngine(cfg, st)
	done := make(chan error, 1)
	go func() { done <- eng.Run() }()
	t.Cleanup(func() {
		eng.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
		st.Close()
	})

	return addr
}

// dialRetry waits for the worker's listener to come up.
func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			return c
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReadinessTextSetGet(t *testing.T) {
	addr := startTestServer(t, nil)
	c := dialRetry(t, addr)
	defer c.Close()
	r := bufio.NewReader(c)

	_, err := c.Write([]byte("set foo 0 0 3\r\nbar\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "STORED\r\n", line)

	_, err = c.Write([]byte("get foo\r\n"))
	require.NoError(t, err)
	reply := make([]byte, len("VALUE foo 0 3\r\nbar\r\nEND\r\n"))
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	require.Equal(t, "VALUE foo 0 3\r\nbar\r\nEND\r\n", string(reply))
}

func TestReadinessPipelining(t *testing.T) {
	addr := startTestServer(t, func(cfg *common.ServerConfig) {
		cfg.Protocol = common.ProtocolPing
	})
	c := dialRetry(t, addr)
	defer c.Close()

	// N commands back-to-back produce N responses in order without the
	// client closing.
	const n = 32
	var req bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&req, "PING msg%d\r\n", i)
	}
	_, err := c.Write(req.Bytes())
	require.NoError(t, err)

	r := bufio.NewReader(c)
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("PONG msg%d\r\n", i), line)
	}
}

func TestReadinessEcho32K(t *testing.T) {
	addr := startTestServer(t, func(cfg *common.ServerConfig) {
		cfg.Protocol = common.ProtocolEcho
	})
	c := dialRetry(t, addr)
	defer c.Close()

	payload := make([]byte, 32*1024)
	rand.New(rand.NewSource(42)).Read(payload)

	_, err := c.Write([]byte("32768\r\n"))
	require.NoError(t, err)
	_, err = c.Write(payload)
	require.NoError(t, err)

	r := bufio.NewReader(c)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "32768\r\n", line)

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(r, echoed)
	require.NoError(t, err)
	require.Equal(t, md5.Sum(payload), md5.Sum(echoed), "payload must round-trip byte-for-byte")
}

func TestReadinessRespSession(t *testing.T) {
	addr := startTestServer(t, func(cfg *common.ServerConfig) {
		cfg.Protocol = common.ProtocolResp
	})
	c := dialRetry(t, addr)
	defer c.Close()
	r := bufio.NewReader(c)

	_, err := c.Write([]byte("*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", line)

	_, err = c.Write([]byte("*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n"))
	require.NoError(t, err)
	reply := make([]byte, len("$5\r\nvalue\r\n"))
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	require.Equal(t, "$5\r\nvalue\r\n", string(reply))
}

func TestReadinessOversizeValueCloses(t *testing.T) {
	addr := startTestServer(t, func(cfg *common.ServerConfig) {
		cfg.MaxValueSize = 10240
	})
	c := dialRetry(t, addr)
	defer c.Close()
	r := bufio.NewReader(c)

	_, err := c.Write([]byte("set big 0 0 20480\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "CLIENT_ERROR value too large\r\n", line)

	// The server closes after flushing the error.
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestReadinessQuitClosesConnection(t *testing.T) {
	addr := startTestServer(t, nil)
	c := dialRetry(t, addr)
	defer c.Close()

	_, err := c.Write([]byte("quit\r\n"))
	require.NoError(t, err)

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	_, err = c.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}
