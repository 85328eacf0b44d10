//go:build !unix

package netx

import "syscall"

func reuseControl(_, _ string, _ syscall.RawConn) error { return nil }
