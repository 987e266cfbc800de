// Package rawsock is the non-blocking socket + poller capability the
// reactor consumes (spec.md §6, "Socket / poller capability"). It is the
// only package in this module that touches raw file descriptors and
// golang.org/x/sys/unix; everything above it only sees api.Socket and
// api.Poller.
package rawsock
