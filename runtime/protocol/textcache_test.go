package protocol

import (
	"strings"
	"testing"

	"github.com/growcache/growcache/lib/storage"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	st := storage.New(storage.Options{
		MaxMemory:    1 << 20,
		MaxValueSize: 10240,
	})
	t.Cleanup(st.Close)
	return &Env{Store: st, MaxValueSize: 10240, BufferSize: 4096}
}

// runText feeds one buffer through the text handler.
func runText(t *testing.T, env *Env, in string) (ProcessResult, string) {
	t.Helper()
	out := make([]byte, env.BufferSize)
	res := processText([]byte(in), out, env)
	return res, string(out[:res.ResponseLen])
}

func TestTextSetGet(t *testing.T) {
	env := newTestEnv(t)

	res, reply := runText(t, env, "set foo 0 0 3\r\nbar\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "STORED\r\n", reply)
	require.Equal(t, len("set foo 0 0 3\r\nbar\r\n"), res.Consumed)

	res, reply = runText(t, env, "get foo\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "VALUE foo 0 3\r\nbar\r\nEND\r\n", reply)
}

func TestTextGetMiss(t *testing.T) {
	env := newTestEnv(t)
	_, reply := runText(t, env, "get nothing\r\n")
	require.Equal(t, "END\r\n", reply)
}

func TestTextCASContention(t *testing.T) {
	env := newTestEnv(t)

	runText(t, env, "set foo 0 0 3\r\nbar\r\n")

	_, reply := runText(t, env, "gets foo\r\n")
	require.True(t, strings.HasPrefix(reply, "VALUE foo 0 3 "))
	fields := strings.Fields(strings.SplitN(reply, "\r\n", 2)[0])
	token := fields[4]

	res, reply := runText(t, env, "cas foo 0 0 3 "+token+"\r\nbaz\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "STORED\r\n", reply)

	// The same token is stale after the first cas.
	_, reply = runText(t, env, "cas foo 0 0 3 "+token+"\r\nqux\r\n")
	require.Equal(t, "EXISTS\r\n", reply)

	_, reply = runText(t, env, "get foo\r\n")
	require.Equal(t, "VALUE foo 0 3\r\nbaz\r\nEND\r\n", reply)
}

func TestTextOversizeRejectedAtHeader(t *testing.T) {
	env := newTestEnv(t) // max_value_size = 10240

	// Header only: the payload must not be required for rejection.
	res, reply := runText(t, env, "set big 0 0 20480\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "CLIENT_ERROR value too large\r\n", reply)
	require.True(t, res.CloseAfter, "oversize must desynchronize and close")
}

func TestTextIncrDecr(t *testing.T) {
	env := newTestEnv(t)

	runText(t, env, "set counter 0 0 2\r\n10\r\n")

	_, reply := runText(t, env, "incr counter 5\r\n")
	require.Equal(t, "15\r\n", reply)

	_, reply = runText(t, env, "decr counter 100\r\n")
	require.Equal(t, "0\r\n", reply)

	_, reply = runText(t, env, "incr missing 1\r\n")
	require.Equal(t, "NOT_FOUND\r\n", reply)

	runText(t, env, "set word 0 0 5\r\nhello\r\n")
	_, reply = runText(t, env, "incr word 1\r\n")
	require.Equal(t, "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n", reply)
}

func TestTextNoreplySuppressesResponse(t *testing.T) {
	env := newTestEnv(t)

	res, reply := runText(t, env, "set foo 0 0 3 noreply\r\nbar\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Zero(t, res.ResponseLen)
	require.Empty(t, reply)

	_, reply = runText(t, env, "get foo\r\n")
	require.Equal(t, "VALUE foo 0 3\r\nbar\r\nEND\r\n", reply)
}

func TestTextDeleteFlushVersion(t *testing.T) {
	env := newTestEnv(t)

	runText(t, env, "set k 0 0 1\r\nv\r\n")
	_, reply := runText(t, env, "delete k\r\n")
	require.Equal(t, "DELETED\r\n", reply)
	_, reply = runText(t, env, "delete k\r\n")
	require.Equal(t, "NOT_FOUND\r\n", reply)

	runText(t, env, "set k 0 0 1\r\nv\r\n")
	_, reply = runText(t, env, "flush_all\r\n")
	require.Equal(t, "OK\r\n", reply)
	_, reply = runText(t, env, "get k\r\n")
	require.Equal(t, "END\r\n", reply)

	_, reply = runText(t, env, "version\r\n")
	require.Equal(t, "VERSION growcache 1.0.0\r\n", reply)
}

func TestTextStats(t *testing.T) {
	env := newTestEnv(t)
	runText(t, env, "set k 0 0 1\r\nv\r\n")

	_, reply := runText(t, env, "stats\r\n")
	require.Contains(t, reply, "STAT curr_items 1\r\n")
	require.Contains(t, reply, "STAT limit_maxbytes ")
	require.True(t, strings.HasSuffix(reply, "END\r\n"))
}

func TestTextQuit(t *testing.T) {
	env := newTestEnv(t)
	res, _ := runText(t, env, "quit\r\n")
	require.Equal(t, KindClose, res.Kind)
}

func TestTextIncompleteNeverConsumes(t *testing.T) {
	env := newTestEnv(t)

	for _, in := range []string{"", "get", "get key", "set foo 0 0 3\r\nba", "set foo 0 0 3"} {
		res, _ := runText(t, env, in)
		require.Equal(t, KindNeedData, res.Kind, "input %q", in)
		require.Zero(t, res.Consumed, "input %q", in)
	}
}

func TestTextUnknownCommandKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	res, reply := runText(t, env, "bogus command\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "CLIENT_ERROR unknown command\r\n", reply)
	require.False(t, res.CloseAfter)
	require.Equal(t, len("bogus command\r\n"), res.Consumed)
}

func TestTextBadStorageHeaderCloses(t *testing.T) {
	env := newTestEnv(t)
	// The bytes field is unparsable, so the payload length is unknown
	// and the stream cannot be resynchronized.
	res, _ := runText(t, env, "set foo 0 0 abc\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.True(t, res.CloseAfter)
}

func TestTextKeyValidation(t *testing.T) {
	env := newTestEnv(t)

	longKey := strings.Repeat("k", MaxKeyLength+1)
	res, reply := runText(t, env, "get "+longKey+"\r\n")
	require.Equal(t, KindResponse, res.Kind)
	require.True(t, strings.HasPrefix(reply, "CLIENT_ERROR"))
	require.False(t, res.CloseAfter)

	// Control characters are not valid key bytes.
	res, _ = runText(t, env, "get bad\x01key\r\n")
	require.Equal(t, KindResponse, res.Kind)
	_ = res
}

func TestTextTooManyKeys(t *testing.T) {
	env := newTestEnv(t)
	keys := make([]string, MaxKeysPerGet+1)
	for i := range keys {
		keys[i] = "k"
	}
	_, reply := runText(t, env, "get "+strings.Join(keys, " ")+"\r\n")
	require.Equal(t, "CLIENT_ERROR too many keys\r\n", reply)
}

func TestTextNeedValueForLargePayload(t *testing.T) {
	env := newTestEnv(t) // buffer size 4096, max value 10240

	header := "set big 0 0 8000\r\n"
	res, _ := runText(t, env, header)
	require.Equal(t, KindNeedValue, res.Kind)
	require.Equal(t, len(header), res.HeaderLen)
	require.Equal(t, 8000, res.ValueLen)
	require.Equal(t, 2, res.TrailerLen)
	require.Equal(t, len(header)+8000+2, res.ExpectedTotal())
}

func TestTextPipelinedCommandsParseSequentially(t *testing.T) {
	env := newTestEnv(t)

	in := "set a 0 0 1\r\nx\r\nget a\r\n"
	out := make([]byte, env.BufferSize)

	res := processText([]byte(in), out, env)
	require.Equal(t, KindResponse, res.Kind)
	require.Equal(t, "STORED\r\n", string(out[:res.ResponseLen]))
	require.Equal(t, len("set a 0 0 1\r\nx\r\n"), res.Consumed)

	rest := in[res.Consumed:]
	res = processText([]byte(rest), out, env)
	require.Equal(t, "VALUE a 0 1\r\nx\r\nEND\r\n", string(out[:res.ResponseLen]))
}

// TestTextParserDeterminism: concatenating consumed prefixes equals the
// stream prefix up to the last command boundary.
func TestTextParserDeterminism(t *testing.T) {
	env := newTestEnv(t)

	stream := "set a 0 0 2\r\nhi\r\nget a\r\ndelete a\r\nversion\r\n"
	out := make([]byte, env.BufferSize)

	offset := 0
	for offset < len(stream) {
		res := processText([]byte(stream[offset:]), out, env)
		require.Equal(t, KindResponse, res.Kind)
		require.Greater(t, res.Consumed, 0)
		offset += res.Consumed
	}
	require.Equal(t, len(stream), offset)
}
