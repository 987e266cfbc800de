package udp

import "github.com/pkg/errors"

var errNotBound = errors.New("udp: socket is not bound yet")
