// Package cmd contains the growcache command line interface: the
// serve command starting the cache server, the bench load generator,
// and the version command.
package cmd
