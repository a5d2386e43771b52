// Package storage implements the shared in-memory cache engine.
//
// The engine is a concurrent associative map (puzpuzpuz/xsync MapOf)
// from key to an immutable entry record. Atomic read-modify-write
// operations (add, replace, append, cas, incr) go through the map's
// per-key Compute, so no engine-wide lock exists and workers on
// different cores do not serialize against each other except on
// identical keys.
//
// Expiry is wall-clock based and enforced lazily on access, with a
// background sweeper reclaiming entries nobody touches. Memory is
// tracked against a budget; crossing it evicts the least recently used
// live entry until the new item fits. flush_all with a delay is
// modeled as a flush deadline: entries stored before the deadline are
// invisible once it passes.
package storage
