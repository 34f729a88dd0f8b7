package orderbook

import "errors"

var (
	ErrInstrumentMismatch = errors.New("limit order instrument does not match the book")
	ErrInvalidVolume      = errors.New("limit order volume must be positive")
)
