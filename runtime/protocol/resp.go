package protocol

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/growcache/growcache/lib/storage"
)

// --------------------------------------------------------------------------
// RESP (RESP2/RESP3 subset) frame parser and encoder
// --------------------------------------------------------------------------

// maxMultiBulkElems caps the element count a client may declare for a
// command array, matching the limit real RESP servers enforce. The
// count arrives before any element bytes, so it must be bounded before
// anything is allocated for it.
const maxMultiBulkElems = 1024 * 1024

// frameKind tags a RESP frame.
type frameKind uint8

const (
	frameSimple frameKind = iota
	frameError
	frameInteger
	frameBulk
	frameNullBulk
	frameArray
	frameNullArray
)

// frame is one decoded RESP frame. Bulk holds data, Array holds
// elements, Str holds simple-string/error text, Int the integer value.
type frame struct {
	kind  frameKind
	str   string
	num   int64
	bulk  []byte
	array []frame
}

// respVerdict is the parse outcome of one frame.
type respVerdict uint8

const (
	respComplete respVerdict = iota
	respIncomplete
	respFramingError
	respTooLarge
)

type respParse struct {
	verdict  respVerdict
	f        frame
	consumed int
	// needTotal is a lower bound on the full frame size, known as soon
	// as a bulk length header has been parsed. Zero when unknown.
	needTotal int
	errMsg    string
}

// parseRespFrame decodes the first frame of buf. maxBulk is the
// admission limit applied to every bulk-string length the moment its
// header is parsed.
func parseRespFrame(buf []byte, maxBulk int) respParse {
	if len(buf) == 0 {
		return respParse{verdict: respIncomplete}
	}

	switch buf[0] {
	case '+', '-':
		end := findCRLF(buf)
		if end < 0 {
			return respParse{verdict: respIncomplete}
		}
		f := frame{kind: frameSimple, str: string(buf[1:end])}
		if buf[0] == '-' {
			f.kind = frameError
		}
		return respParse{verdict: respComplete, f: f, consumed: end + 2}

	case ':':
		end := findCRLF(buf)
		if end < 0 {
			return respParse{verdict: respIncomplete}
		}
		n, err := strconv.ParseInt(string(buf[1:end]), 10, 64)
		if err != nil {
			return respParse{verdict: respFramingError, errMsg: "invalid integer"}
		}
		return respParse{verdict: respComplete, f: frame{kind: frameInteger, num: n}, consumed: end + 2}

	case '$':
		return parseRespBulk(buf, maxBulk)

	case '*':
		return parseRespArray(buf, maxBulk)

	default:
		return respParse{verdict: respFramingError, errMsg: "unknown frame type"}
	}
}

func parseRespBulk(buf []byte, maxBulk int) respParse {
	lenEnd := findCRLF(buf)
	if lenEnd < 0 {
		return respParse{verdict: respIncomplete}
	}
	length, err := strconv.ParseInt(string(buf[1:lenEnd]), 10, 64)
	if err != nil {
		return respParse{verdict: respFramingError, errMsg: "invalid bulk length"}
	}
	if length < 0 {
		return respParse{verdict: respComplete, f: frame{kind: frameNullBulk}, consumed: lenEnd + 2}
	}
	if int(length) > maxBulk {
		return respParse{verdict: respTooLarge}
	}

	dataStart := lenEnd + 2
	dataEnd := dataStart + int(length)
	total := dataEnd + 2
	if len(buf) < total {
		return respParse{verdict: respIncomplete, needTotal: total}
	}
	if buf[dataEnd] != '\r' || buf[dataEnd+1] != '\n' {
		return respParse{verdict: respFramingError, errMsg: "bulk string missing trailing CRLF"}
	}
	return respParse{
		verdict:  respComplete,
		f:        frame{kind: frameBulk, bulk: buf[dataStart:dataEnd]},
		consumed: total,
	}
}

func parseRespArray(buf []byte, maxBulk int) respParse {
	lenEnd := findCRLF(buf)
	if lenEnd < 0 {
		return respParse{verdict: respIncomplete}
	}
	length, err := strconv.ParseInt(string(buf[1:lenEnd]), 10, 64)
	if err != nil {
		return respParse{verdict: respFramingError, errMsg: "invalid array length"}
	}
	if length < 0 {
		return respParse{verdict: respComplete, f: frame{kind: frameNullArray}, consumed: lenEnd + 2}
	}
	if length > maxMultiBulkElems {
		return respParse{verdict: respFramingError, errMsg: "invalid multibulk length"}
	}

	offset := lenEnd + 2
	// The declared count is client-controlled; size the slice from the
	// bytes that actually parse, not from the header.
	capHint := length
	if capHint > 64 {
		capHint = 64
	}
	elems := make([]frame, 0, capHint)
	for i := int64(0); i < length; i++ {
		p := parseRespFrame(buf[offset:], maxBulk)
		switch p.verdict {
		case respComplete:
			elems = append(elems, p.f)
			offset += p.consumed
		case respIncomplete:
			need := 0
			if p.needTotal > 0 {
				need = offset + p.needTotal
			}
			return respParse{verdict: respIncomplete, needTotal: need}
		default:
			return p
		}
	}
	return respParse{verdict: respComplete, f: frame{kind: frameArray, array: elems}, consumed: offset}
}

// --------------------------------------------------------------------------
// Frame encoding
// --------------------------------------------------------------------------

func encodeSimple(buf *bytes.Buffer, s string) {
	buf.WriteByte('+')
	buf.WriteString(s)
	buf.WriteString("\r\n")
}

func encodeErr(buf *bytes.Buffer, s string) {
	buf.WriteByte('-')
	buf.WriteString(s)
	buf.WriteString("\r\n")
}

func encodeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte(':')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteString("\r\n")
}

func encodeBulk(buf *bytes.Buffer, data []byte) {
	buf.WriteByte('$')
	buf.WriteString(strconv.Itoa(len(data)))
	buf.WriteString("\r\n")
	buf.Write(data)
	buf.WriteString("\r\n")
}

// encodeNull emits the dialect-appropriate null reply: `_` for RESP3,
// the null bulk string for RESP2.
func encodeNull(buf *bytes.Buffer, dialect int) {
	if dialect >= 3 {
		buf.WriteString("_\r\n")
	} else {
		buf.WriteString("$-1\r\n")
	}
}

// --------------------------------------------------------------------------
// Handler
// --------------------------------------------------------------------------

// processResp parses and executes one RESP command array from in.
// dialect points at the connection's negotiated protocol version.
func processResp(in, out []byte, env *Env, dialect *int) ProcessResult {
	p := parseRespFrame(in, env.MaxValueSize)

	switch p.verdict {
	case respIncomplete:
		if p.needTotal > env.BufferSize {
			return ProcessResult{Kind: KindNeedValue, HeaderLen: 0, ValueLen: p.needTotal}
		}
		return ProcessResult{Kind: KindNeedData}

	case respTooLarge:
		r := respond([]byte("-ERR value too large\r\n"), out, 0)
		r.CloseAfter = true
		return r

	case respFramingError:
		r := respond([]byte("-ERR protocol error: "+p.errMsg+"\r\n"), out, 0)
		r.CloseAfter = true
		return r
	}

	reply, closeConn := executeRespCommand(&p.f, env.Store, dialect)
	if closeConn {
		return ProcessResult{Kind: KindClose}
	}
	return respond(reply, out, p.consumed)
}

// executeRespCommand runs one command array against storage and returns
// the encoded reply. The second return value requests connection close.
func executeRespCommand(f *frame, st storage.IStorage, dialect *int) ([]byte, bool) {
	var reply bytes.Buffer

	if f.kind != frameArray || len(f.array) == 0 {
		encodeErr(&reply, "ERR invalid command format")
		return reply.Bytes(), false
	}
	args := f.array
	for i := range args {
		if args[i].kind != frameBulk {
			encodeErr(&reply, "ERR invalid command format")
			return reply.Bytes(), false
		}
	}

	cmd := strings.ToUpper(string(args[0].bulk))
	switch cmd {
	case "PING":
		if len(args) > 1 {
			encodeBulk(&reply, args[1].bulk)
		} else {
			encodeSimple(&reply, "PONG")
		}

	case "GET":
		if len(args) != 2 {
			encodeErr(&reply, "ERR wrong number of arguments for 'get' command")
			break
		}
		if item, ok := st.Get(string(args[1].bulk)); ok {
			encodeBulk(&reply, item.Value)
		} else {
			encodeNull(&reply, *dialect)
		}

	case "SET":
		respSet(&reply, args, st, *dialect)

	case "DEL":
		if len(args) < 2 {
			encodeErr(&reply, "ERR wrong number of arguments for 'del' command")
			break
		}
		count := int64(0)
		for _, arg := range args[1:] {
			if st.Delete(string(arg.bulk)) == storage.StatusDeleted {
				count++
			}
		}
		encodeInt(&reply, count)

	case "EXISTS":
		if len(args) < 2 {
			encodeErr(&reply, "ERR wrong number of arguments for 'exists' command")
			break
		}
		count := int64(0)
		for _, arg := range args[1:] {
			if _, ok := st.Get(string(arg.bulk)); ok {
				count++
			}
		}
		encodeInt(&reply, count)

	case "HELLO":
		ver := 2
		if len(args) > 1 {
			v, err := strconv.Atoi(string(args[1].bulk))
			if err != nil || (v != 2 && v != 3) {
				encodeErr(&reply, "NOPROTO unsupported protocol version")
				break
			}
			ver = v
		}
		*dialect = ver
		encodeHello(&reply, ver)

	case "COMMAND":
		// Enough for clients that probe capabilities on connect.
		reply.WriteString("*0\r\n")

	case "DBSIZE":
		n, _ := strconv.ParseInt(st.Stats()["curr_items"], 10, 64)
		encodeInt(&reply, n)

	case "FLUSHALL", "FLUSHDB":
		st.FlushAll(0)
		encodeSimple(&reply, "OK")

	case "QUIT":
		return nil, true

	default:
		encodeErr(&reply, "ERR unknown command '"+cmd+"'")
	}

	return reply.Bytes(), false
}

// respSet implements SET key value [EX seconds | PX milliseconds] [NX | XX].
func respSet(reply *bytes.Buffer, args []frame, st storage.IStorage, dialect int) {
	if len(args) < 3 {
		encodeErr(reply, "ERR wrong number of arguments for 'set' command")
		return
	}
	key := string(args[1].bulk)
	value := append([]byte(nil), args[2].bulk...)

	var (
		ttl    uint64
		nx, xx bool
	)
	for i := 3; i < len(args); i++ {
		opt := strings.ToUpper(string(args[i].bulk))
		switch opt {
		case "EX", "PX":
			if i+1 >= len(args) {
				encodeErr(reply, "ERR syntax error")
				return
			}
			n, err := strconv.ParseUint(string(args[i+1].bulk), 10, 64)
			if err != nil || n == 0 {
				encodeErr(reply, "ERR invalid expire time in 'set' command")
				return
			}
			if opt == "PX" {
				// Storage expiry is second-granular; round up.
				n = (n + 999) / 1000
			}
			ttl = n
			i++
		case "NX":
			nx = true
		case "XX":
			xx = true
		default:
			encodeErr(reply, "ERR syntax error")
			return
		}
	}
	if nx && xx {
		encodeErr(reply, "ERR syntax error")
		return
	}

	var status storage.Status
	switch {
	case nx:
		status = st.Add(key, value, 0, ttl)
	case xx:
		status = st.Replace(key, value, 0, ttl)
	default:
		status = st.Set(key, value, 0, ttl)
	}

	if status == storage.StatusStored {
		encodeSimple(reply, "OK")
	} else {
		encodeNull(reply, dialect)
	}
}

// encodeHello emits the HELLO reply as a flat key/value array.
// RESP2 framing is valid for both dialects here.
func encodeHello(reply *bytes.Buffer, ver int) {
	reply.WriteString("*6\r\n")
	encodeBulk(reply, []byte("server"))
	encodeBulk(reply, []byte("growcache"))
	encodeBulk(reply, []byte("version"))
	encodeBulk(reply, []byte("1.0.0"))
	encodeBulk(reply, []byte("proto"))
	encodeInt(reply, int64(ver))
}
