package mq

import (
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// transport schemes understood by Bind and Connect.
const (
	schemeInproc = "inproc"
	schemeTCP    = "tcp"
	schemeIPC    = "ipc"
)

// endpoint is a parsed "scheme://address" string.
type endpoint struct {
	scheme  string
	address string
}

func (e endpoint) String() string {
	return e.scheme + "://" + e.address
}

func parseEndpoint(addr string) (endpoint, error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok || rest == "" {
		return endpoint{}, errors.Wrapf(ErrInvalidEndpoint, "%q", addr)
	}
	switch scheme {
	case schemeInproc, schemeTCP, schemeIPC:
	default:
		return endpoint{}, errors.Wrapf(ErrUnsupportedTransport, "%q", addr)
	}
	return endpoint{scheme: scheme, address: rest}, nil
}

// bindAddress converts a tcp endpoint into a listen address. "*" as host
// means all interfaces and "*" as port means an ephemeral port.
func (e endpoint) bindAddress() (string, error) {
	if e.scheme != schemeTCP {
		return e.address, nil
	}
	host, port, err := net.SplitHostPort(e.address)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidEndpoint, "%q: %v", e.String(), err)
	}
	if host == "*" {
		host = ""
	}
	if port == "*" {
		port = "0"
	}
	return net.JoinHostPort(host, port), nil
}

// dialAddress converts a tcp endpoint into a dial address.
func (e endpoint) dialAddress() (string, error) {
	if e.scheme != schemeTCP {
		return e.address, nil
	}
	host, port, err := net.SplitHostPort(e.address)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidEndpoint, "%q: %v", e.String(), err)
	}
	if host == "*" || host == "" || port == "*" || port == "0" {
		return "", errors.Wrapf(ErrInvalidEndpoint, "%q: cannot connect to a wildcard", e.String())
	}
	return e.address, nil
}

// transportURL renders the address handed to the protocol layer. In-process
// names are scoped by namespace so that two contexts never see each other.
func (e endpoint) transportURL(namespace string, bind bool) (string, error) {
	address := e.address
	var err error
	if bind {
		address, err = e.bindAddress()
	} else {
		address, err = e.dialAddress()
	}
	if err != nil {
		return "", err
	}
	if e.scheme == schemeInproc {
		address = namespace + "/" + address
	}
	return e.scheme + "://" + address, nil
}

// userEndpoint strips the in-process namespace from a transport address.
func userEndpoint(namespace, transportAddr string) string {
	prefix := schemeInproc + "://" + namespace + "/"
	if rest, ok := strings.CutPrefix(transportAddr, prefix); ok {
		return schemeInproc + "://" + rest
	}
	return transportAddr
}

// boundEndpoint renders the concrete endpoint of a listener, replacing a
// wildcard port with what the operating system picked.
func boundEndpoint(e endpoint, listenerAddr string) string {
	if e.scheme != schemeTCP {
		return e.String()
	}
	host, _, err := net.SplitHostPort(e.address)
	if err != nil {
		return e.String()
	}
	_, port, err := net.SplitHostPort(strings.TrimPrefix(listenerAddr, schemeTCP+"://"))
	if err != nil || port == "0" {
		return e.String()
	}
	return e.scheme + "://" + net.JoinHostPort(host, port)
}

// removeStaleSocket unlinks a unix socket file left behind by a process
// that did not shut down. Live sockets are left alone.
func removeStaleSocket(path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if c, err := net.Dial("unix", path); err == nil {
		_ = c.Close()
		return
	}
	_ = os.Remove(path)
}
