package transport

import "errors"

var (
	ErrNoNetwork = errors.New("no in-memory network supplied")
	ErrAddrInUse = errors.New("address already in use")
)
