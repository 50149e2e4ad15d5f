package netutil

import (
	"errors"
	"net"
	"testing"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func busyListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestSelectBindAddrPreferredFree(t *testing.T) {
	addr := freeAddr(t)

	got, err := SelectBindAddr(addr, nil, false)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != addr {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, addr)
	}
}

func TestListenFallsBackToCandidate(t *testing.T) {
	busy := busyListener(t)
	free := freeAddr(t)

	ln, err := Listen(busy.Addr().String(), []string{busy.Addr().String(), free}, true)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	if got := ln.Addr().String(); got != free {
		t.Fatalf("Listen() addr = %q, want %q", got, free)
	}
}

func TestListenWithoutFallbackFails(t *testing.T) {
	busy := busyListener(t)

	if _, err := Listen(busy.Addr().String(), []string{freeAddr(t)}, false); err == nil {
		t.Fatal("Listen() error = nil, want preferred-in-use error")
	}
}

func TestListenNoCandidates(t *testing.T) {
	busy := busyListener(t)

	_, err := Listen("", []string{busy.Addr().String()}, true)
	if !errors.Is(err, ErrNoBindAddr) {
		t.Fatalf("Listen() error = %v, want %v", err, ErrNoBindAddr)
	}
}
