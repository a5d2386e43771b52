package protocol

import (
	"bytes"
	"crypto/md5"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Ping protocol
// --------------------------------------------------------------------------

func TestPingPong(t *testing.T) {
	out := make([]byte, 4096)

	res := processPing([]byte("PING\r\n"), out)
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "PONG\r\n", string(out[:res.ResponseLen]))
	require.Equal(t, 6, res.Consumed)

	res = processPing([]byte("ping\r\n"), out)
	require.Equal(t, "PONG\r\n", string(out[:res.ResponseLen]), "keyword is case-insensitive")
}

func TestPingWithMessage(t *testing.T) {
	out := make([]byte, 4096)
	res := processPing([]byte("PING hello world\r\n"), out)
	require.Equal(t, "PONG hello world\r\n", string(out[:res.ResponseLen]))
}

func TestPingQuitAndErrors(t *testing.T) {
	out := make([]byte, 4096)

	res := processPing([]byte("QUIT\r\n"), out)
	require.Equal(t, KindClose, res.Kind)

	res = processPing([]byte("HELLO\r\n"), out)
	require.Equal(t, "ERROR unknown command\r\n", string(out[:res.ResponseLen]))
	require.False(t, res.CloseAfter)

	res = processPing([]byte("PIN"), out)
	require.Equal(t, KindNeedData, res.Kind)
}

// --------------------------------------------------------------------------
// Echo protocol
// --------------------------------------------------------------------------

func TestEchoRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	out := make([]byte, env.BufferSize)

	in := "5\r\nhello"
	res := processEcho([]byte(in), out, env)
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, in, string(out[:res.ResponseLen]))
	require.Equal(t, len(in), res.Consumed)
}

func TestEchoLargePayloadPreservesBytes(t *testing.T) {
	env := newTestEnv(t)
	env.MaxValueSize = 64 * 1024
	out := make([]byte, env.BufferSize)

	payload := make([]byte, 32*1024)
	rand.New(rand.NewSource(1)).Read(payload)
	in := append([]byte("32768\r\n"), payload...)

	res := processEcho(in, out, env)
	// 32 KiB exceeds the 4 KiB buffer: the handler asks for a chain
	// when bytes are missing, and emits a large response once complete.
	require.Equal(t, KindLargeResponse, res.Kind)
	require.Equal(t, len(in), res.Consumed)
	require.True(t, bytes.HasPrefix(res.Response, []byte("32768\r\n")))
	require.Equal(t, md5.Sum(payload), md5.Sum(res.Response[7:]))
}

func TestEchoNeedValue(t *testing.T) {
	env := newTestEnv(t) // buffer 4096, max value 10240
	res := processEcho([]byte("8000\r\npartial"), make([]byte, env.BufferSize), env)
	require.Equal(t, KindNeedValue, res.Kind)
	require.Equal(t, len("8000\r\n"), res.HeaderLen)
	require.Equal(t, 8000, res.ValueLen)
	require.Equal(t, 0, res.TrailerLen)
}

func TestEchoErrors(t *testing.T) {
	env := newTestEnv(t)
	out := make([]byte, env.BufferSize)

	res := processEcho([]byte("abc\r\n"), out, env)
	require.Equal(t, "ERROR invalid length\r\n", string(out[:res.ResponseLen]))
	require.False(t, res.CloseAfter, "bad length keeps line sync")

	res = processEcho([]byte(strconv.Itoa(env.MaxValueSize+1)+"\r\n"), out, env)
	require.Equal(t, "ERROR value too large\r\n", string(out[:res.ResponseLen]))
	require.True(t, res.CloseAfter)

	res = processEcho([]byte("QUIT\r\n"), out, env)
	require.Equal(t, KindClose, res.Kind)
}
