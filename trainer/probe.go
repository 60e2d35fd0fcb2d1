package trainer

import (
	"net"
	"strconv"
)

// PortInUse reports whether a TCP port on localhost is already bound. The
// probe binds and immediately releases the port; there is no other side
// effect.
func PortInUse(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}
