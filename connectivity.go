package raven

import (
	"context"
	"net"
	"time"
)

// Connectivity reports whether the network is usable. Implementations that
// are not allowed to inspect the network return ErrPermissionDenied.
type Connectivity interface {
	Connected(ctx context.Context) (bool, error)
}

// ConnectivityFunc adapts a function to Connectivity
type ConnectivityFunc func(ctx context.Context) (bool, error)

func (f ConnectivityFunc) Connected(ctx context.Context) (bool, error) {
	return f(ctx)
}

// AlwaysConnected never prevents a delivery attempt
var AlwaysConnected Connectivity = ConnectivityFunc(func(context.Context) (bool, error) {
	return true, nil
})

// DialConnectivity considers the network up when a TCP connection to
// Address can be opened
type DialConnectivity struct {
	Address string
	Timeout time.Duration
}

func (d DialConnectivity) Connected(ctx context.Context) (bool, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}
