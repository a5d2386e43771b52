package protocol

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// runResp feeds one buffer through the RESP handler with its own
// dialect slot, mimicking a fresh connection.
func runResp(t *testing.T, env *Env, dialect *int, in string) (ProcessResult, string) {
	t.Helper()
	out := make([]byte, env.BufferSize)
	res := processResp([]byte(in), out, env, dialect)
	return res, string(out[:res.ResponseLen])
}

func respCmd(args ...string) string {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(strconv.Itoa(len(args)))
	b.WriteString("\r\n")
	for _, a := range args {
		b.WriteString("$")
		b.WriteString(strconv.Itoa(len(a)))
		b.WriteString("\r\n")
		b.WriteString(a)
		b.WriteString("\r\n")
	}
	return b.String()
}

func TestRespSetGetAndNull(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	res, reply := runResp(t, env, &dialect, "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "+OK\r\n", reply)

	_, reply = runResp(t, env, &dialect, "*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n")
	require.Equal(t, "$5\r\nvalue\r\n", reply)

	_, reply = runResp(t, env, &dialect, "*2\r\n$3\r\nGET\r\n$4\r\nmiss\r\n")
	require.Equal(t, "$-1\r\n", reply)
}

func TestRespDelCount(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	runResp(t, env, &dialect, respCmd("SET", "a", "1"))
	runResp(t, env, &dialect, respCmd("SET", "b", "2"))

	_, reply := runResp(t, env, &dialect, "*4\r\n$3\r\nDEL\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n")
	require.Equal(t, ":2\r\n", reply)
}

func TestRespPing(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	_, reply := runResp(t, env, &dialect, respCmd("PING"))
	require.Equal(t, "+PONG\r\n", reply)

	_, reply = runResp(t, env, &dialect, respCmd("PING", "hello"))
	require.Equal(t, "$5\r\nhello\r\n", reply)
}

func TestRespHelloNegotiatesDialect(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	_, reply := runResp(t, env, &dialect, respCmd("HELLO", "3"))
	require.Equal(t, 3, dialect)
	require.Contains(t, reply, "growcache")
	require.Contains(t, reply, ":3\r\n")

	// RESP3 nulls switch representation.
	_, reply = runResp(t, env, &dialect, respCmd("GET", "missing"))
	require.Equal(t, "_\r\n", reply)

	// Unsupported version is refused and the dialect stays.
	_, reply = runResp(t, env, &dialect, respCmd("HELLO", "9"))
	require.Equal(t, "-NOPROTO unsupported protocol version\r\n", reply)
	require.Equal(t, 3, dialect)
}

func TestRespSetOptions(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	// NX on a fresh key stores, on an existing key does not.
	_, reply := runResp(t, env, &dialect, respCmd("SET", "k", "v1", "NX"))
	require.Equal(t, "+OK\r\n", reply)
	_, reply = runResp(t, env, &dialect, respCmd("SET", "k", "v2", "NX"))
	require.Equal(t, "$-1\r\n", reply)

	// XX needs the key to exist.
	_, reply = runResp(t, env, &dialect, respCmd("SET", "other", "v", "XX"))
	require.Equal(t, "$-1\r\n", reply)
	_, reply = runResp(t, env, &dialect, respCmd("SET", "k", "v3", "XX"))
	require.Equal(t, "+OK\r\n", reply)

	_, reply = runResp(t, env, &dialect, respCmd("GET", "k"))
	require.Equal(t, "$2\r\nv3\r\n", reply)

	// EX attaches a TTL; bad TTLs are refused.
	_, reply = runResp(t, env, &dialect, respCmd("SET", "t", "v", "EX", "100"))
	require.Equal(t, "+OK\r\n", reply)
	_, reply = runResp(t, env, &dialect, respCmd("SET", "t", "v", "EX", "0"))
	require.Equal(t, "-ERR invalid expire time in 'set' command\r\n", reply)
}

func TestRespExistsDbsizeFlush(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	runResp(t, env, &dialect, respCmd("SET", "a", "1"))
	runResp(t, env, &dialect, respCmd("SET", "b", "2"))

	_, reply := runResp(t, env, &dialect, respCmd("EXISTS", "a", "b", "c"))
	require.Equal(t, ":2\r\n", reply)

	_, reply = runResp(t, env, &dialect, respCmd("DBSIZE"))
	require.Equal(t, ":2\r\n", reply)

	_, reply = runResp(t, env, &dialect, respCmd("FLUSHALL"))
	require.Equal(t, "+OK\r\n", reply)
	_, reply = runResp(t, env, &dialect, respCmd("DBSIZE"))
	require.Equal(t, ":0\r\n", reply)
}

func TestRespCommandAndQuit(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	_, reply := runResp(t, env, &dialect, respCmd("COMMAND"))
	require.Equal(t, "*0\r\n", reply)

	res, _ := runResp(t, env, &dialect, respCmd("QUIT"))
	require.Equal(t, KindClose, res.Kind)
}

func TestRespUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2
	res, reply := runResp(t, env, &dialect, respCmd("WAT"))
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "-ERR unknown command 'WAT'\r\n", reply)
	require.False(t, res.CloseAfter)
}

func TestRespIncomplete(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	for _, in := range []string{"", "*2\r\n", "*2\r\n$3\r\nGET\r\n", "$5\r\nhel"} {
		res, _ := runResp(t, env, &dialect, in)
		require.Equal(t, KindNeedData, res.Kind, "input %q", in)
	}
}

func TestRespOversizeBulkRejectedAtHeader(t *testing.T) {
	env := newTestEnv(t) // max value 10240

	dialect := 2
	// Declared length alone triggers rejection; no payload present.
	res, reply := runResp(t, env, &dialect, "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$20480\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "-ERR value too large\r\n", reply)
	require.True(t, res.CloseAfter)
}

func TestRespNeedValueHint(t *testing.T) {
	env := newTestEnv(t) // buffer 4096, max value 10240

	// 8000-byte bulk: header parsed, total exceeds one buffer.
	dialect := 2
	in := "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$8000\r\npartial"
	res, _ := runResp(t, env, &dialect, in)
	require.Equal(t, KindNeedValue, res.Kind)
	require.Greater(t, res.ExpectedTotal(), 4096)
}

func TestRespMultiBulkCountCapped(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2

	// A declared element count past the limit is a framing error, not
	// an allocation.
	res, reply := runResp(t, env, &dialect, "*2000000000\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "-ERR protocol error: invalid multibulk length\r\n", reply)
	require.True(t, res.CloseAfter)

	// At the limit the count itself is accepted; parsing just waits
	// for element bytes.
	res, _ = runResp(t, env, &dialect, "*"+strconv.Itoa(maxMultiBulkElems)+"\r\n")
	require.Equal(t, KindNeedData, res.Kind)
}

func TestRespLargeBulkWithTrailingElements(t *testing.T) {
	env := newTestEnv(t) // buffer 4096, max value 10240
	dialect := 2

	// The whole command fits memory but the value bulk exceeds one
	// buffer; the trailing EX option must still parse once present.
	value := strings.Repeat("v", 8000)
	in := respCmd("SET", "k", value, "EX", "100")
	res, reply := runResp(t, env, &dialect, in)
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "+OK\r\n", reply)
	require.Equal(t, len(in), res.Consumed)
}

func TestRespFramingErrorCloses(t *testing.T) {
	env := newTestEnv(t)
	dialect := 2
	res, reply := runResp(t, env, &dialect, "!bogus\r\n")
	require.True(t, res.CloseAfter)
	require.True(t, strings.HasPrefix(reply, "-ERR protocol error"))
}
