package server

import (
	"fmt"
	"net"
)

// ListenerFactory creates network listeners. It exists so tests can inject
// failures or record the addresses requested.
type ListenerFactory interface {
	Listen(network, address string) (net.Listener, error)
}

// defaultListenerFactory delegates to the net package.
type defaultListenerFactory struct{}

func (defaultListenerFactory) Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// PortAllocator obtains a free port for a server about to be spawned.
// *Allocator is the production implementation.
type PortAllocator interface {
	Allocate() (int, error)
}

// Allocator asks the OS for an ephemeral loopback port by binding port zero,
// reading back the assigned port, and releasing the socket.
type Allocator struct {
	factory ListenerFactory
}

// NewAllocator returns an allocator backed by real OS sockets.
func NewAllocator() *Allocator {
	return &Allocator{factory: defaultListenerFactory{}}
}

// NewAllocatorWithFactory returns an allocator using the given factory.
func NewAllocatorWithFactory(factory ListenerFactory) *Allocator {
	return &Allocator{factory: factory}
}

// Allocate binds 127.0.0.1:0, reads the OS-assigned port and releases the
// socket. The port is free at return time but not reserved: another process
// could claim it before the server binds. That window is accepted, not
// retried; the caller surfaces the eventual failure instead.
func (a *Allocator) Allocate() (int, error) {
	listener, err := a.factory.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, &AllocationError{Err: err}
	}

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		_ = listener.Close()
		return 0, &AllocationError{Err: fmt.Errorf("unexpected listener address type %T", listener.Addr())}
	}

	port := addr.Port
	_ = listener.Close()
	return port, nil
}

var _ PortAllocator = (*Allocator)(nil)
