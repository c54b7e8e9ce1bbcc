// Package transport abstracts envelope delivery between agents. The core
// assumes fire-and-forget, at-most-once, no cross-sender ordering.
package transport

import "carenet/pkg/protocol"

type Sender interface {
	Send(env protocol.Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(env protocol.Envelope) error

func (f SenderFunc) Send(env protocol.Envelope) error { return f(env) }
