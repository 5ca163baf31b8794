package ayame

import (
	"strings"
	"time"

	"git.sr.ht/~kaori/ayame/xirc"
)

// RawHandler processes one inbound message. Handlers run on the event
// loop, sequentially, in registration order.
type RawHandler func(c *Client, msg *xirc.Message)

// Handle registers a raw handler for a command or three-digit numeric.
// Features call this from Attach; applications may add their own.
func (c *Client) Handle(command string, h RawHandler) {
	command = strings.ToUpper(command)
	c.handlers[command] = append(c.handlers[command], h)
}

// ModeChange is a single applied mode change.
type ModeChange struct {
	Plus  bool
	Mode  byte
	Param string
}

// CapVerdict is the outcome of a capability-enabled callback.
type CapVerdict int

const (
	// CapNegotiated accepts the capability immediately.
	CapNegotiated CapVerdict = iota
	// CapNegotiating defers the outcome; the feature must call
	// CapabilityNegotiated to settle it before CAP END goes out.
	CapNegotiating
	// CapFailed rejects the capability; it is disabled again.
	CapFailed
)

// Callbacks are the application-facing protocol events. Every field is
// optional. Callbacks run on the event loop: blocking in one blocks
// every client sharing the loop.
type Callbacks struct {
	// Connect fires once per connection, on RPL_WELCOME.
	Connect func(c *Client)
	// Disconnect fires when the transport goes away; expected reports
	// whether the disconnect was requested locally.
	Disconnect func(c *Client, expected bool)

	// Raw fires for every inbound message, before any handler.
	Raw func(c *Client, msg *xirc.Message)
	// Unknown fires for messages no feature handles.
	Unknown func(c *Client, msg *xirc.Message)
	// Error surfaces protocol and connection errors that the client
	// recovered from.
	Error func(c *Client, err error)

	// Message fires for every PRIVMSG that is not a CTCP query;
	// ChannelMessage and PrivateMessage narrow it by target kind.
	Message        func(c *Client, src *xirc.Prefix, target, text string, at time.Time)
	ChannelMessage func(c *Client, src *xirc.Prefix, channel, text string, at time.Time)
	PrivateMessage func(c *Client, src *xirc.Prefix, text string, at time.Time)
	Notice         func(c *Client, src *xirc.Prefix, target, text string, at time.Time)

	Join        func(c *Client, channel, nick string)
	Part        func(c *Client, channel, nick, reason string)
	Kick        func(c *Client, channel, kicked, by, reason string)
	Quit        func(c *Client, nick, reason string)
	NickChange  func(c *Client, oldNick, newNick string)
	// NickFailed fires when a nickname change is rejected after
	// registration.
	NickFailed func(c *Client, nick string)

	TopicChange func(c *Client, channel, topic string, setBy *xirc.Prefix)
	ModeChanged func(c *Client, target string, changes []ModeChange, by *xirc.Prefix)
	Invite      func(c *Client, channel, nick string, by *xirc.Prefix)

	// ISupport fires for every 005 token; ok is false when the token
	// was removed.
	ISupport func(c *Client, token, value string, ok bool)

	// CapAvailable decides whether to request an advertised
	// capability the built-in features do not already want.
	CapAvailable func(c *Client, name, value string) bool
	// CapEnabled fires when the server acknowledges a capability.
	CapEnabled  func(c *Client, name string) CapVerdict
	CapDisabled func(c *Client, name string)

	// UserOnline and UserOffline track MONITOR notifications.
	UserOnline  func(c *Client, nick string)
	UserOffline func(c *Client, nick string)
	// UserAway tracks away-notify updates.
	UserAway func(c *Client, nick string, away bool, reason string)
	// Account tracks account-notify updates; account is empty on
	// logout.
	Account func(c *Client, nick, account string)

	// CTCP fires for CTCP queries. Returning true suppresses the
	// default VERSION/PING/TIME replies.
	CTCP      func(c *Client, src *xirc.Prefix, target, cmd, params string) bool
	CTCPReply func(c *Client, src *xirc.Prefix, cmd, params string)
}

// dispatchMessage routes one inbound message: it records activity,
// fires the Raw callback, then runs the command's handlers in
// registration order, or the Unknown callback when the command has no
// handler. Tags are not preprocessed here; handlers read server-time
// through messageTime, and msgid is not interpreted.
func (c *Client) dispatchMessage(msg *xirc.Message) {
	c.lastActivity = time.Now()
	c.pingSent = false

	if c.Callbacks.Raw != nil {
		c.Callbacks.Raw(c, msg)
	}

	handlers := c.handlers[msg.Command]
	if len(handlers) == 0 {
		if c.Callbacks.Unknown != nil {
			c.Callbacks.Unknown(c, msg)
		}
		return
	}
	for _, h := range handlers {
		h(c, msg)
	}
}

// messageTime resolves the instant a message happened, preferring the
// server-time tag.
func (c *Client) messageTime(msg *xirc.Message) time.Time {
	return xirc.MessageTime(msg, c.lastActivity)
}
