package server

import "syscall"

// SO_REUSEADDR means something else on windows; keep the defaults.
func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
