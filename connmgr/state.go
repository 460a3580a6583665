// File: connmgr/state.go
// Author: momentics <momentics@gmail.com>
//
// Connect-context state machine (spec §4.4). Grounded on
// original_source/iocore/cluster/connection.cc's ConnectState enum
// (STATE_NOT_CONNECT..STATE_RECV_DATA).

package connmgr

// State is a pre-handshake socket's position in the connect state machine.
type State int

const (
	StateNotConnect State = iota
	StateConnecting
	StateConnected
	StateSendData
	StateRecvData
)

func (s State) String() string {
	switch s {
	case StateNotConnect:
		return "not_connect"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSendData:
		return "send_data"
	case StateRecvData:
		return "recv_data"
	default:
		return "unknown"
	}
}
