package protocol

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/growcache/growcache/lib/storage"
)

// --------------------------------------------------------------------------
// Text cache protocol (memcached-style)
// --------------------------------------------------------------------------

const (
	// MaxKeyLength is the protocol's key length limit.
	MaxKeyLength = 250
	// MaxKeysPerGet caps multi-key retrieval.
	MaxKeysPerGet = 64

	versionLine = "VERSION growcache 1.0.0\r\n"
)

// Fixed reply lines.
var (
	replyStored    = []byte("STORED\r\n")
	replyNotStored = []byte("NOT_STORED\r\n")
	replyExists    = []byte("EXISTS\r\n")
	replyNotFound  = []byte("NOT_FOUND\r\n")
	replyDeleted   = []byte("DELETED\r\n")
	replyOK        = []byte("OK\r\n")
	replyEnd       = []byte("END\r\n")
	replyError     = []byte("ERROR\r\n")
)

// textOp is the command keyword.
type textOp uint8

const (
	opGet textOp = iota
	opGets
	opSet
	opAdd
	opReplace
	opAppend
	opPrepend
	opCas
	opDelete
	opIncr
	opDecr
	opFlushAll
	opStats
	opVersion
	opQuit
)

// textCommand is one parsed command line.
type textCommand struct {
	op      textOp
	keys    []string // get/gets
	key     string
	flags   uint32
	exptime uint64
	bytes   int // declared payload length for storage commands
	cas     uint64
	delta   uint64
	delay   uint64
	noreply bool
}

func (c *textCommand) isStorage() bool {
	switch c.op {
	case opSet, opAdd, opReplace, opAppend, opPrepend, opCas:
		return true
	}
	return false
}

// textVerdict is the parse outcome for one command line.
type textVerdict uint8

const (
	textIncomplete textVerdict = iota
	textComplete
	textNeedData // storage header parsed, payload pending
	textBadLine  // recoverable: line consumed, framing intact
	textDesync   // unrecoverable: stream position unknown
)

type textParse struct {
	verdict  textVerdict
	cmd      textCommand
	consumed int    // command line bytes including CRLF
	errMsg   string // for textBadLine / textDesync
}

// parseTextLine parses the first command line of buf. Payload bytes of
// storage commands are not consumed here; the caller re-invokes once
// header+payload+trailer are accumulated.
func parseTextLine(buf []byte) textParse {
	lineEnd := findCRLF(buf)
	if lineEnd < 0 {
		return textParse{verdict: textIncomplete}
	}
	lineBytes := lineEnd + 2

	parts := strings.Fields(string(buf[:lineEnd]))
	if len(parts) == 0 {
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "empty command"}
	}

	name := strings.ToLower(parts[0])
	switch name {
	case "get", "gets":
		return parseTextGet(parts, name == "gets", lineBytes)
	case "set", "add", "replace", "append", "prepend":
		return parseTextStorage(parts, name, lineBytes)
	case "cas":
		return parseTextCas(parts, lineBytes)
	case "delete":
		return parseTextDelete(parts, lineBytes)
	case "incr", "decr":
		return parseTextArith(parts, name == "incr", lineBytes)
	case "flush_all":
		return parseTextFlushAll(parts, lineBytes)
	case "stats":
		return textParse{verdict: textComplete, cmd: textCommand{op: opStats}, consumed: lineBytes}
	case "version":
		return textParse{verdict: textComplete, cmd: textCommand{op: opVersion}, consumed: lineBytes}
	case "quit":
		return textParse{verdict: textComplete, cmd: textCommand{op: opQuit}, consumed: lineBytes}
	default:
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "unknown command"}
	}
}

func validTextKey(key string) bool {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

func parseTextGet(parts []string, withCAS bool, lineBytes int) textParse {
	if len(parts) < 2 {
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "get requires at least one key"}
	}
	if len(parts)-1 > MaxKeysPerGet {
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "too many keys"}
	}
	keys := make([]string, 0, len(parts)-1)
	for _, key := range parts[1:] {
		if !validTextKey(key) {
			return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "bad key"}
		}
		keys = append(keys, key)
	}
	op := opGet
	if withCAS {
		op = opGets
	}
	return textParse{verdict: textComplete, cmd: textCommand{op: op, keys: keys}, consumed: lineBytes}
}

// parseTextStorage handles set/add/replace/append/prepend:
// <command> <key> <flags> <exptime> <bytes> [noreply]
func parseTextStorage(parts []string, name string, lineBytes int) textParse {
	if len(parts) < 5 {
		return textParse{verdict: textDesync, consumed: lineBytes, errMsg: name + " requires key, flags, exptime, and bytes"}
	}
	var cmd textCommand
	switch name {
	case "set":
		cmd.op = opSet
	case "add":
		cmd.op = opAdd
	case "replace":
		cmd.op = opReplace
	case "append":
		cmd.op = opAppend
	case "prepend":
		cmd.op = opPrepend
	}
	return parseStorageArgs(parts, cmd, lineBytes, 5)
}

// parseTextCas handles: cas <key> <flags> <exptime> <bytes> <cas> [noreply]
func parseTextCas(parts []string, lineBytes int) textParse {
	if len(parts) < 6 {
		return textParse{verdict: textDesync, consumed: lineBytes, errMsg: "cas requires key, flags, exptime, bytes, and cas unique"}
	}
	p := parseStorageArgs(parts, textCommand{op: opCas}, lineBytes, 6)
	if p.verdict != textNeedData {
		return p
	}
	cas, err := strconv.ParseUint(parts[5], 10, 64)
	if err != nil {
		return textParse{verdict: textDesync, consumed: lineBytes, errMsg: "invalid cas unique"}
	}
	p.cmd.cas = cas
	return p
}

// parseStorageArgs validates the common storage fields. noreplyPos is
// the index of the optional noreply token.
func parseStorageArgs(parts []string, cmd textCommand, lineBytes, noreplyPos int) textParse {
	if !validTextKey(parts[1]) {
		// A payload follows that cannot be skipped reliably.
		return textParse{verdict: textDesync, consumed: lineBytes, errMsg: "bad key"}
	}
	cmd.key = parts[1]

	flags, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return textParse{verdict: textDesync, consumed: lineBytes, errMsg: "invalid flags"}
	}
	cmd.flags = uint32(flags)

	exptime, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return textParse{verdict: textDesync, consumed: lineBytes, errMsg: "invalid exptime"}
	}
	cmd.exptime = exptime

	length, err := strconv.Atoi(parts[4])
	if err != nil || length < 0 {
		return textParse{verdict: textDesync, consumed: lineBytes, errMsg: "invalid bytes"}
	}
	cmd.bytes = length

	cmd.noreply = len(parts) > noreplyPos && strings.EqualFold(parts[noreplyPos], "noreply")
	return textParse{verdict: textNeedData, cmd: cmd, consumed: lineBytes}
}

func parseTextDelete(parts []string, lineBytes int) textParse {
	if len(parts) < 2 {
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "delete requires a key"}
	}
	if !validTextKey(parts[1]) {
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "bad key"}
	}
	noreply := len(parts) > 2 && strings.EqualFold(parts[2], "noreply")
	return textParse{
		verdict:  textComplete,
		cmd:      textCommand{op: opDelete, key: parts[1], noreply: noreply},
		consumed: lineBytes,
	}
}

func parseTextArith(parts []string, incr bool, lineBytes int) textParse {
	if len(parts) < 3 {
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "incr/decr requires key and value"}
	}
	if !validTextKey(parts[1]) {
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "bad key"}
	}
	delta, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "invalid numeric delta argument"}
	}
	op := opDecr
	if incr {
		op = opIncr
	}
	noreply := len(parts) > 3 && strings.EqualFold(parts[3], "noreply")
	return textParse{
		verdict:  textComplete,
		cmd:      textCommand{op: op, key: parts[1], delta: delta, noreply: noreply},
		consumed: lineBytes,
	}
}

func parseTextFlushAll(parts []string, lineBytes int) textParse {
	cmd := textCommand{op: opFlushAll}
	if len(parts) > 1 {
		if strings.EqualFold(parts[1], "noreply") {
			cmd.noreply = true
		} else {
			delay, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return textParse{verdict: textBadLine, consumed: lineBytes, errMsg: "invalid delay"}
			}
			cmd.delay = delay
			cmd.noreply = len(parts) > 2 && strings.EqualFold(parts[2], "noreply")
		}
	}
	return textParse{verdict: textComplete, cmd: cmd, consumed: lineBytes}
}

// --------------------------------------------------------------------------
// Handler
// --------------------------------------------------------------------------

// processText parses and executes one text cache command from in.
func processText(in, out []byte, env *Env) ProcessResult {
	p := parseTextLine(in)

	switch p.verdict {
	case textIncomplete:
		return ProcessResult{Kind: KindNeedData}

	case textBadLine:
		return respondClientError(p.errMsg, out, p.consumed, false)

	case textDesync:
		return respondClientError(p.errMsg, out, p.consumed, true)

	case textComplete:
		if p.cmd.op == opQuit {
			return ProcessResult{Kind: KindClose}
		}
		return executeTextCommand(&p.cmd, nil, out, env, p.consumed)

	case textNeedData:
		// Admission check before a single payload byte is read.
		if p.cmd.bytes > env.MaxValueSize {
			return respondClientError("value too large", out, p.consumed, true)
		}

		totalNeeded := p.consumed + p.cmd.bytes + 2
		if len(in) < totalNeeded {
			if totalNeeded > env.BufferSize {
				return ProcessResult{
					Kind:       KindNeedValue,
					HeaderLen:  p.consumed,
					ValueLen:   p.cmd.bytes,
					TrailerLen: 2,
				}
			}
			return ProcessResult{Kind: KindNeedData}
		}

		data := in[p.consumed : p.consumed+p.cmd.bytes]
		if in[p.consumed+p.cmd.bytes] != '\r' || in[p.consumed+p.cmd.bytes+1] != '\n' {
			return respondClientError("bad data chunk", out, totalNeeded, true)
		}
		return executeTextCommand(&p.cmd, data, out, env, totalNeeded)
	}

	return ProcessResult{Kind: KindNeedData}
}

func respondClientError(msg string, out []byte, consumed int, desync bool) ProcessResult {
	r := respond([]byte("CLIENT_ERROR "+msg+"\r\n"), out, consumed)
	r.CloseAfter = desync
	return r
}

// executeTextCommand runs the command against storage and encodes the
// reply. data is the payload for storage commands, nil otherwise. The
// payload is copied before it crosses the storage API, so no reference
// into the parse buffer survives the call.
func executeTextCommand(cmd *textCommand, data []byte, out []byte, env *Env, consumed int) ProcessResult {
	st := env.Store

	if cmd.isStorage() {
		owned := append([]byte(nil), data...)
		var status storage.Status
		switch cmd.op {
		case opSet:
			status = st.Set(cmd.key, owned, cmd.flags, cmd.exptime)
		case opAdd:
			status = st.Add(cmd.key, owned, cmd.flags, cmd.exptime)
		case opReplace:
			status = st.Replace(cmd.key, owned, cmd.flags, cmd.exptime)
		case opAppend:
			status = st.Append(cmd.key, owned)
		case opPrepend:
			status = st.Prepend(cmd.key, owned)
		case opCas:
			status = st.CAS(cmd.key, owned, cmd.flags, cmd.exptime, cmd.cas)
		}
		if cmd.noreply {
			return ProcessResult{Kind: KindResponse, Consumed: consumed}
		}
		switch status {
		case storage.StatusStored:
			return respond(replyStored, out, consumed)
		case storage.StatusExists:
			return respond(replyExists, out, consumed)
		case storage.StatusNotFound:
			return respond(replyNotFound, out, consumed)
		default:
			return respond(replyNotStored, out, consumed)
		}
	}

	switch cmd.op {
	case opGet, opGets:
		items := st.GetMulti(cmd.keys)
		var reply bytes.Buffer
		for _, ki := range items {
			if cmd.op == opGets {
				reply.WriteString("VALUE " + ki.Key + " " + strconv.FormatUint(uint64(ki.Item.Flags), 10) +
					" " + strconv.Itoa(len(ki.Item.Value)) + " " + strconv.FormatUint(ki.Item.CAS, 10) + "\r\n")
			} else {
				reply.WriteString("VALUE " + ki.Key + " " + strconv.FormatUint(uint64(ki.Item.Flags), 10) +
					" " + strconv.Itoa(len(ki.Item.Value)) + "\r\n")
			}
			reply.Write(ki.Item.Value)
			reply.WriteString("\r\n")
		}
		reply.Write(replyEnd)
		return respond(reply.Bytes(), out, consumed)

	case opDelete:
		status := st.Delete(cmd.key)
		if cmd.noreply {
			return ProcessResult{Kind: KindResponse, Consumed: consumed}
		}
		if status == storage.StatusDeleted {
			return respond(replyDeleted, out, consumed)
		}
		return respond(replyNotFound, out, consumed)

	case opIncr, opDecr:
		var (
			value  uint64
			status storage.Status
		)
		if cmd.op == opIncr {
			value, status = st.Incr(cmd.key, cmd.delta)
		} else {
			value, status = st.Decr(cmd.key, cmd.delta)
		}
		if cmd.noreply {
			return ProcessResult{Kind: KindResponse, Consumed: consumed}
		}
		switch status {
		case storage.StatusStored:
			return respond([]byte(strconv.FormatUint(value, 10)+"\r\n"), out, consumed)
		case storage.StatusNotFound:
			return respond(replyNotFound, out, consumed)
		default:
			return respond([]byte("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n"), out, consumed)
		}

	case opFlushAll:
		st.FlushAll(cmd.delay)
		if cmd.noreply {
			return ProcessResult{Kind: KindResponse, Consumed: consumed}
		}
		return respond(replyOK, out, consumed)

	case opStats:
		stats := st.Stats()
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		var reply bytes.Buffer
		for _, name := range names {
			reply.WriteString("STAT " + name + " " + stats[name] + "\r\n")
		}
		reply.Write(replyEnd)
		return respond(reply.Bytes(), out, consumed)

	case opVersion:
		return respond([]byte(versionLine), out, consumed)
	}

	return respond(replyError, out, consumed)
}
