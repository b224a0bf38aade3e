package main

import "errors"

// Sentinel errors classify a run's failure for exitCodeFor, wrapped with
// fmt.Errorf("%w: ...", ...) so errors.Is still matches through context.
var (
	errConfig             = errors.New("configuration error")
	errAuthorization      = errors.New("authentication failure")
	errTransportExhausted = errors.New("transport exhausted")
)
