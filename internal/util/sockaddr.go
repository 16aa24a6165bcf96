package util

import (
	"net"
	"strconv"

	"github.com/go-pantheon/fabrica-util/errors"
	"golang.org/x/sys/unix"
)

var ErrInvalidHostPort = errors.New("invalid host:port")

// Sockaddr converts ip and port into a socket address and its address family.
// A nil or unspecified IPv4 ip binds every IPv4 interface.
func Sockaddr(ip net.IP, port int) (unix.Sockaddr, int) {
	if ip == nil {
		ip = net.IPv4zero
	}

	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)

		return sa, unix.AF_INET
	}

	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())

	return sa, unix.AF_INET6
}

// ResolveSockaddr parses a literal "ip:port" bind address.
func ResolveSockaddr(hostPort string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, 0, errors.Wrapf(ErrInvalidHostPort, "addr=%s %v", hostPort, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, 0, errors.Wrapf(ErrInvalidHostPort, "addr=%s bad port", hostPort)
	}

	var ip net.IP

	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			return nil, 0, errors.Wrapf(ErrInvalidHostPort, "addr=%s host is not an ip", hostPort)
		}
	}

	sa, family := Sockaddr(ip, port)

	return sa, family, nil
}

// String formats a socket address as host:port. Unknown families yield "".
func String(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}
