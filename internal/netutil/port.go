// Package netutil picks a listen address for the control API.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// candidate can be bound.
var ErrNoBindAddr = errors.New("no available bind addresses")

// Listen binds the preferred address, falling back to the first bindable
// candidate when autoFallback is set. The returned listener is already open.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address in use: %s: %w", preferred, err)
		}
	}

	for _, addr := range candidates {
		if addr == "" || addr == preferred {
			continue
		}
		if ln, err := net.Listen("tcp", addr); err == nil {
			return ln, nil
		}
	}
	return nil, ErrNoBindAddr
}

// SelectBindAddr reports the address Listen would bind without keeping it.
func SelectBindAddr(preferred string, candidates []string, autoFallback bool) (string, error) {
	ln, err := Listen(preferred, candidates, autoFallback)
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}
