package ayame

import (
	"unicode/utf8"

	"git.sr.ht/~kaori/ayame/xirc"
)

// Join asks the server to join a channel. It fails with
// ErrAlreadyInChannel when called from the loop for a joined channel.
func (c *Client) Join(channel, key string) error {
	if c.InChannel(channel) {
		return ErrAlreadyInChannel
	}
	if key == "" {
		c.SendMessage(xirc.NewMessage("JOIN", channel))
	} else {
		c.SendMessage(xirc.NewMessage("JOIN", channel, key))
	}
	return nil
}

// Part leaves a channel.
func (c *Client) Part(channel, reason string) error {
	if !c.InChannel(channel) {
		return ErrNotInChannel
	}
	if reason == "" {
		c.SendMessage(xirc.NewMessage("PART", channel))
	} else {
		c.SendMessage(xirc.NewMessage("PART", channel, reason))
	}
	return nil
}

// Kick removes a user from a channel.
func (c *Client) Kick(channel, nick, reason string) error {
	if !c.InChannel(channel) {
		return ErrNotInChannel
	}
	if reason == "" {
		c.SendMessage(xirc.NewMessage("KICK", channel, nick))
	} else {
		c.SendMessage(xirc.NewMessage("KICK", channel, nick, reason))
	}
	return nil
}

// Invite invites a user to a channel.
func (c *Client) Invite(channel, nick string) error {
	if !c.InChannel(channel) {
		return ErrNotInChannel
	}
	c.SendMessage(xirc.NewMessage("INVITE", nick, channel))
	return nil
}

// maxTextLength computes how much message text fits in one line to
// target, given the prefix the server will prepend when relaying.
func (c *Client) maxTextLength(target string) int {
	overhead := len(":!@ PRIVMSG  :\r\n") +
		len(c.nick) + len(c.username) + len("255.255.255.255") + len(target)
	n := xirc.MaxMessageLength - overhead
	if n < 1 {
		n = 1
	}
	return n
}

// splitText cuts text into chunks of at most max octets on rune
// boundaries.
func splitText(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		n := max
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		if n == 0 {
			n = max
		}
		chunks = append(chunks, text[:n])
		text = text[n:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// Message sends a PRIVMSG, splitting text that does not fit in a
// single line. Safe from any goroutine; subject to the outbound
// throttle.
func (c *Client) Message(target, text string) {
	for _, chunk := range splitText(text, c.maxTextLength(target)) {
		c.SendMessage(xirc.NewMessage("PRIVMSG", target, chunk))
	}
}

// Notice sends a NOTICE, splitting like Message.
func (c *Client) Notice(target, text string) {
	for _, chunk := range splitText(text, c.maxTextLength(target)) {
		c.SendMessage(xirc.NewMessage("NOTICE", target, chunk))
	}
}

// SetTopic changes a channel topic.
func (c *Client) SetTopic(channel, topic string) error {
	if !c.InChannel(channel) {
		return ErrNotInChannel
	}
	c.SendMessage(xirc.NewMessage("TOPIC", channel, topic))
	return nil
}

// SetMode changes modes on a target, a channel or ourselves.
func (c *Client) SetMode(target, modes string, args ...string) {
	params := append([]string{target, modes}, args...)
	c.SendMessage(xirc.NewMessage("MODE", params...))
}

// SetNick asks the server for a new nickname. The change is effective
// once the server echoes the NICK message back.
func (c *Client) SetNick(nick string) {
	c.SendMessage(xirc.NewMessage("NICK", nick))
}

// Away marks the client away.
func (c *Client) Away(reason string) {
	if reason == "" {
		reason = "Away"
	}
	c.SendMessage(xirc.NewMessage("AWAY", reason))
}

// Back removes the away mark.
func (c *Client) Back() {
	c.SendMessage(xirc.NewMessage("AWAY"))
}

// Names requests a fresh NAMES burst for a channel; the member list is
// reconciled when the final 366 arrives.
func (c *Client) Names(channel string) error {
	if !c.InChannel(channel) {
		return ErrNotInChannel
	}
	c.SendMessage(xirc.NewMessage("NAMES", channel))
	return nil
}

// Who issues a WHO (or WHOX, when advertised) query for a target.
func (c *Client) Who(target string) {
	c.who(target)
}
