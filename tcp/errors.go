package tcp

import "github.com/pkg/errors"

var errNotConnected = errors.New("tcp: connection has no underlying socket yet")
