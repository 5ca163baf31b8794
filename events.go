package ayame

import (
	"git.sr.ht/~kaori/ayame/xirc"
)

// Events are the only way state-mutating work reaches a client: the
// reader goroutine, timers and cross-goroutine calls all post events,
// and the pool's loop goroutine applies them one at a time. Per-client
// ordering follows posting order.
type event interface{}

type eventConnected struct {
	client *Client
	conn   *conn
}

type eventConnectFailed struct {
	client *Client
	err    error
}

type eventMessage struct {
	client *Client
	msg    *xirc.Message
}

type eventDisconnected struct {
	client *Client
	err    error
}

type eventTimer struct {
	client *Client
	f      func(*Client)
}

func eventClient(e event) *Client {
	switch e := e.(type) {
	case eventConnected:
		return e.client
	case eventConnectFailed:
		return e.client
	case eventMessage:
		return e.client
	case eventDisconnected:
		return e.client
	case eventTimer:
		return e.client
	}
	return nil
}
