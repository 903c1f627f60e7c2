// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

import "time"

// ConnState enumerates the lifecycle of a connection.
type ConnState int32

const (
	StatePending ConnState = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role selects how a connection dispatches decoded messages.
type Role int

const (
	// RoleReceiver delivers messages one at a time, in order, and never replies.
	RoleReceiver Role = iota
	// RoleServer processes each message as an independent task and sends responses.
	RoleServer
	// RoleClient correlates inbound messages with outstanding requests.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleReceiver:
		return "receiver"
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// ParseRole maps a configuration string to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "receiver", "oneway", "one-way":
		return RoleReceiver, nil
	case "server", "":
		return RoleServer, nil
	case "client":
		return RoleClient, nil
	}
	return 0, NewError(ErrCodeInvalidArgument, "unknown role").WithContext("role", s)
}

// ConnContext describes a connection to actions and observers. It is built
// once during initialization and is read-only afterwards.
type ConnContext struct {
	ID          string
	Listener    string
	Protocol    string
	Alias       string
	PeerAddr    string
	LocalAddr   string
	ConnectedAt time.Time
}
