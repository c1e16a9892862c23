package stream

import "errors"

// Sentinel errors returned by subscribe/unsubscribe paths. Callers pick a
// different endpoint or retry based on which of these they see.
var (
	ErrClosed              = errors.New("stream: endpoint closed")
	ErrAtCapacity          = errors.New("stream: endpoint at subscription capacity")
	ErrSubscribeTimeout    = errors.New("stream: subscribe not acknowledged in time")
	ErrNoDurableID         = errors.New("stream: subscribe ack carried no subscription id")
	ErrUnknownSubscription = errors.New("stream: unknown subscription id")
	ErrNoEndpoints         = errors.New("stream: no endpoints available")
	ErrUnknownKey          = errors.New("stream: no subscription for key")
)
