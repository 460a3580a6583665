// File: connmgr/hello.go
// Author: momentics <momentics@gmail.com>
//
// Hello handshake payload and version negotiation (spec §4.4). Grounded on
// original_source/iocore/cluster/connection.cc's HelloMessage
// {major, minor, min_major, min_minor} struct and its negotiation loop,
// with the body msgpack-encoded the way
// Meander-Cloud-go-elect/net/tcp/protocol/client.go encodes its own
// struct body over a framed TCP stream (this engine reuses its own
// wire.Header instead of that example's ad hoc 7-byte header).

package connmgr

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/momentics/clustermesh/api"
)

// Hello is the version-negotiation payload exchanged as each side's first
// frame on a new connection (spec §4.4 "Hello negotiation").
type Hello struct {
	Major    uint32 `msgpack:"major"`
	Minor    uint32 `msgpack:"minor"`
	MinMajor uint32 `msgpack:"min_major"`
	MinMinor uint32 `msgpack:"min_minor"`
}

// EncodeHello msgpack-encodes h for use as a frame body.
func EncodeHello(h Hello) ([]byte, error) {
	b, err := msgpack.Marshal(&h)
	if err != nil {
		return nil, api.NewError(api.ErrCodeProtocolError, "connmgr: hello encode failed").WithContext("cause", err.Error())
	}
	return b, nil
}

// DecodeHello parses a frame body into a Hello.
func DecodeHello(body []byte) (Hello, error) {
	var h Hello
	if err := msgpack.Unmarshal(body, &h); err != nil {
		return h, api.NewError(api.ErrCodeProtocolError, "connmgr: hello decode failed").WithContext("cause", err.Error())
	}
	return h, nil
}

// Versions is this node's supported protocol range.
type Versions struct {
	Major    uint32
	Minor    uint32
	MinMajor uint32
	MinMinor uint32
}

// Negotiate computes the protocol major/minor to use with a peer whose
// hello payload is peer, per spec §4.4: "the chosen protocol major is the
// highest value in [peer.min_major, peer.major] ∩ [local.MIN_MAJOR,
// local.MAJOR]; chosen minor is the peer's minor iff major matches local,
// else 0. No overlap ⇒ close with protocol error."
func Negotiate(local Versions, peer Hello) (major, minor uint32, err error) {
	lo := peer.MinMajor
	if local.MinMajor > lo {
		lo = local.MinMajor
	}
	hi := peer.Major
	if local.Major < hi {
		hi = local.Major
	}
	if lo > hi {
		return 0, 0, api.NewError(api.ErrCodeProtocolError, "connmgr: no overlapping cluster major version range").
			WithContext("peer_min_major", peer.MinMajor).WithContext("peer_major", peer.Major).
			WithContext("local_min_major", local.MinMajor).WithContext("local_major", local.Major)
	}

	chosenMajor := hi
	if chosenMajor == local.Major {
		return chosenMajor, peer.Minor, nil
	}
	return chosenMajor, 0, nil
}
