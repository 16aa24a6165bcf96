package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolveSockaddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		hostPort string
		family   int
		want     string
		wantErr  bool
	}{
		{name: "ipv4", hostPort: "127.0.0.1:8080", family: unix.AF_INET, want: "127.0.0.1:8080"},
		{name: "any", hostPort: ":2538", family: unix.AF_INET, want: "0.0.0.0:2538"},
		{name: "ipv6", hostPort: "[::1]:80", family: unix.AF_INET6, want: "[::1]:80"},
		{name: "missing port", hostPort: "127.0.0.1", wantErr: true},
		{name: "bad port", hostPort: "127.0.0.1:http", wantErr: true},
		{name: "port out of range", hostPort: "127.0.0.1:70000", wantErr: true},
		{name: "hostname", hostPort: "localhost:80", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sa, family, err := ResolveSockaddr(tt.hostPort)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHostPort)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.family, family)
			assert.Equal(t, tt.want, String(sa))
		})
	}
}

func TestSockaddrMappedIPv4(t *testing.T) {
	t.Parallel()

	sa, family := Sockaddr(net.ParseIP("::ffff:10.0.0.1"), 443)

	assert.Equal(t, unix.AF_INET, family)
	assert.Equal(t, "10.0.0.1:443", String(sa))
	assert.Empty(t, String(&unix.SockaddrUnix{Name: "/tmp/x"}))
}
