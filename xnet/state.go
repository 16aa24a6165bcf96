package xnet

import "fmt"

// State is the lifecycle stage of a proxied connection.
type State uint8

const (
	ReceivingClientHeader State = iota
	Resolving
	SendingToServer
	ReceivingServer
	SendingToClient
	Deleted
)

var stateNames = [...]string{
	ReceivingClientHeader: "receiving_client_header",
	Resolving:             "resolving",
	SendingToServer:       "sending_to_server",
	ReceivingServer:       "receiving_server",
	SendingToClient:       "sending_to_client",
	Deleted:               "deleted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("state(%d)", s)
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{ReceivingClientHeader, Resolving, SendingToServer, ReceivingServer, SendingToClient, Deleted}
}
