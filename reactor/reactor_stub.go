//go:build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// The cluster engine's worker/connmgr threading model is epoll-specific
// (spec §2, §5); non-Linux platforms are unsupported, matching the stub
// pattern the teacher uses for unsupported backends (reactor/reactor_stub.go).

package reactor

import "errors"

// New returns an error; only Linux epoll is supported.
func New() (Reactor, error) {
	return nil, errors.New("reactor: only linux (epoll) is supported")
}
