// Package xirc implements the IRC wire format: message parsing and
// serialization with IRCv3 message tags, case mapping, membership
// prefixes and channel mode classification.
package xirc

import (
	"strings"
	"time"
)

// MaxSASLLength is the maximum length of a single AUTHENTICATE
// payload parameter.
const MaxSASLLength = 400

// ServerTimeLayout is the timestamp layout of the server-time tag, as
// defined in the IRCv3 spec.
const ServerTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatServerTime formats a time with the server-time layout.
func FormatServerTime(t time.Time) string {
	return t.UTC().Format(ServerTimeLayout)
}

// MessageTime returns the time the message was sent at, preferring the
// server-time tag over the local clock.
func MessageTime(msg *Message, now time.Time) time.Time {
	if v, ok := msg.Tags["time"]; ok {
		if t, err := time.Parse(ServerTimeLayout, v); err == nil {
			return t
		}
	}
	return now
}

// ParseCTCP extracts a CTCP query or reply embedded in a PRIVMSG or
// NOTICE payload. CTCP is defined in
// https://tools.ietf.org/html/draft-oakley-irc-ctcp-02
func ParseCTCP(msg *Message) (cmd string, params string, ok bool) {
	if (msg.Command != "PRIVMSG" && msg.Command != "NOTICE") || len(msg.Params) < 2 {
		return "", "", false
	}
	text := msg.Params[1]

	if !strings.HasPrefix(text, "\x01") {
		return "", "", false
	}
	text = strings.Trim(text, "\x01")

	words := strings.SplitN(text, " ", 2)
	cmd = strings.ToUpper(words[0])
	if len(words) > 1 {
		params = words[1]
	}

	return cmd, params, true
}

// FormatCTCP encapsulates a CTCP command and its parameters into a
// PRIVMSG/NOTICE payload.
func FormatCTCP(cmd string, params string) string {
	if params == "" {
		return "\x01" + strings.ToUpper(cmd) + "\x01"
	}
	return "\x01" + strings.ToUpper(cmd) + " " + params + "\x01"
}
