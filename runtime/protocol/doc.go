// Package protocol implements the four wire protocols the server
// speaks: the memcached-style text cache protocol, a RESP2/3 subset,
// and the PING and ECHO calibration protocols.
//
// Parsing is pure and stateless: every handler inspects a byte slice
// and reports one of five verdicts — need more data, need a chain for a
// declared large value, a finished response, an oversized response for
// chain emission, or close. Per-connection parser state (the
// accumulation buffer, the RESP dialect) lives with the connection, not
// here. Handlers copy payload bytes before they cross the storage API;
// no reference into the parse buffer survives a dispatch.
//
// Admission is enforced the moment a declared length is known: a value
// past the limit produces a protocol-appropriate error and a close,
// before any payload byte is read.
package protocol
