// Package fuse exposes a rangefs mount through the kernel using go-fuse.
//
// Every node is read-only. Mutating calls are answered with the errno the
// mount reports for them (EPERM), and read failures map through
// rangefs.Errno.
package fuse
