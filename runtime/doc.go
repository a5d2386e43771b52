// Package runtime assembles the cache server: the storage engine, the
// selected I/O backend and the process-level plumbing around them.
package runtime
