// Package buffer provides the per-worker buffer pool and the chained
// buffer abstraction built on top of it.
//
// The pool is a fixed array of equal-sized buffers carved out of one
// backing slab with a LIFO free-index stack; it never allocates after
// startup. A Chain strings pool indices together into a single logical
// byte sequence so values larger than one buffer can be accumulated and
// emitted without unbounded heap allocation. The chain is capped at the
// number of buffers a maximum-size value needs, which is where the
// admission limit is enforced structurally.
package buffer
