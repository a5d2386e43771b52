// Package common holds the configuration and logging plumbing shared by
// the runtime packages.
//
// ServerConfig carries every tunable of the server (bind endpoint,
// protocol, I/O backend, buffer and admission limits, storage
// parameters) and derives the per-worker buffer pool sizing from them.
// Loggers are handed out per package via GetLogger so log lines can be
// attributed to the subsystem that produced them.
package common
