package registry

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Instance is one advertised process of a service. The znode payload is the
// colon-separated string "ip:port:hostname" — hostname must not contain
// colons.
type Instance struct {
	ID       string
	IP       string
	Port     int
	Hostname string
}

// Addr returns the instance's RPC address as "ip:port". This is the exact
// string a gateway advertises to presence, so equality checks against
// presence routes work.
func (i Instance) Addr() string {
	return net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// Payload renders the znode payload string.
func (i Instance) Payload() string {
	return fmt.Sprintf("%s:%d:%s", i.IP, i.Port, i.Hostname)
}

// ParsePayload parses an "ip:port:hostname" znode payload. The first two
// segments form the RPC address; the hostname tail is informational.
func ParsePayload(id, payload string) (Instance, error) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) < 2 {
		return Instance{}, fmt.Errorf("registry: malformed instance payload %q", payload)
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return Instance{}, fmt.Errorf("registry: bad port in instance payload %q", payload)
	}

	inst := Instance{ID: id, IP: parts[0], Port: port}
	if len(parts) == 3 {
		inst.Hostname = parts[2]
	}
	return inst, nil
}
