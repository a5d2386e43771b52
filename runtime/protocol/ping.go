package protocol

import "bytes"

// --------------------------------------------------------------------------
// Ping protocol (latency calibration)
// --------------------------------------------------------------------------

// processPing handles the line-oriented calibration protocol:
//
//	PING\r\n        -> PONG\r\n
//	PING <msg>\r\n  -> PONG <msg>\r\n
//	QUIT\r\n        -> close
//
// Anything else gets an error line and the connection stays open; the
// stream is still line-synchronized.
func processPing(in, out []byte) ProcessResult {
	lineEnd := findCRLF(in)
	if lineEnd < 0 {
		return ProcessResult{Kind: KindNeedData}
	}
	line := in[:lineEnd]
	consumed := lineEnd + 2

	switch {
	case bytes.EqualFold(line, []byte("PING")):
		return respond([]byte("PONG\r\n"), out, consumed)

	case bytes.EqualFold(line, []byte("QUIT")):
		return ProcessResult{Kind: KindClose}

	case len(line) > 5 && bytes.EqualFold(line[:5], []byte("PING ")):
		reply := make([]byte, 0, len(line)+2)
		reply = append(reply, "PONG "...)
		reply = append(reply, line[5:]...)
		reply = append(reply, "\r\n"...)
		return respond(reply, out, consumed)

	default:
		return respond([]byte("ERROR unknown command\r\n"), out, consumed)
	}
}
