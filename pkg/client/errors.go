package client

import "errors"

var (
	ErrRoleLocked        = errors.New("connection is locked to the teacher role")
	ErrNotConnected      = errors.New("not connected to the relay")
	ErrTransport         = errors.New("transport error")
	ErrHandshake         = errors.New("relay closed the connection before the handshake")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrDisconnected      = errors.New("disconnected by caller")
)
