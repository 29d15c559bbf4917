package worker

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const defaultHost = "localhost"

// Endpoint is the network address a worker reports after binding.
type Endpoint struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port"`
}

// Valid reports whether the endpoint names a usable TCP port.
func (e Endpoint) Valid() bool {
	return e.Port > 0 && e.Port <= 65535
}

// Hostname returns Host, falling back to localhost.
func (e Endpoint) Hostname() string {
	host := strings.TrimSpace(e.Host)
	if host == "" {
		return defaultHost
	}
	return host
}

// Address returns host:port suitable for net.Dial.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Hostname(), strconv.Itoa(e.Port))
}

// URL returns the http origin the shell scopes credentials to.
func (e Endpoint) URL() string {
	return "http://" + e.Address()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (port=%d)", e.URL(), e.Port)
}
