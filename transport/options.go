package transport

import (
	"go.uber.org/zap"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. 0 picks a free port, which only makes sense with a
	// single listener.
	Port int

	// Reuseport controls setting SO_REUSEPORT so that NumListeners accept
	// loops can share the same port.
	Reuseport bool

	// NumListeners is ignored unless Reuseport is set.
	NumListeners int

	Log *zap.Logger
}
