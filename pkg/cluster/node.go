package cluster

import (
	"fmt"
	"net"
	"strconv"

	"tscluster/pkg/dberrors"
)

// Node describes one cluster member. It is a plain value: two descriptors are
// the same member only if every field matches.
type Node struct {
	Host          string `json:"host" yaml:"host"`
	ClientPort    int    `json:"client_port" yaml:"client_port"`
	ID            int    `json:"id" yaml:"id"`
	DataPort      int    `json:"data_port" yaml:"data_port"`
	ClientRPCPort int    `json:"client_rpc_port" yaml:"client_rpc_port"`
}

func NewNode(host string, clientPort, id, dataPort, clientRPCPort int) Node {
	return Node{
		Host:          host,
		ClientPort:    clientPort,
		ID:            id,
		DataPort:      dataPort,
		ClientRPCPort: clientRPCPort,
	}
}

func (n Node) Validate() error {
	if n.Host == "" {
		return dberrors.Malformed("node %d has no host", n.ID)
	}
	if n.ID < 0 {
		return dberrors.Malformed("node id %d is negative", n.ID)
	}
	for _, p := range []int{n.ClientPort, n.DataPort, n.ClientRPCPort} {
		if p < 0 || p > 65535 {
			return dberrors.Malformed("node %d has port %d out of range", n.ID, p)
		}
	}
	return nil
}

// DataAddr is the endpoint peers use for replication traffic.
func (n Node) DataAddr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.DataPort))
}

func (n Node) String() string {
	return fmt.Sprintf("Node(%d, %s, client=%d, data=%d, rpc=%d)",
		n.ID, n.Host, n.ClientPort, n.DataPort, n.ClientRPCPort)
}
