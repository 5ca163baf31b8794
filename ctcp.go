package ayame

import (
	"time"

	"git.sr.ht/~kaori/ayame/xirc"
)

// Version is reported in the default CTCP VERSION reply.
const Version = "ayame v0.4.0"

// CTCP sends a CTCP query to a nick or channel. Safe from any
// goroutine.
func (c *Client) CTCP(target, cmd, params string) {
	c.SendMessage(xirc.NewMessage("PRIVMSG", target, xirc.FormatCTCP(cmd, params)))
}

// CTCPReply answers a CTCP query. Safe from any goroutine.
func (c *Client) CTCPReply(target, cmd, params string) {
	c.SendMessage(xirc.NewMessage("NOTICE", target, xirc.FormatCTCP(cmd, params)))
}

// featureCTCP dispatches CTCP queries and replies and answers the
// VERSION, PING and TIME queries unless the application's callback
// claims them.
type featureCTCP struct{}

func (featureCTCP) Name() string       { return "ctcp" }
func (featureCTCP) Requires() []string { return []string{"rfc1459"} }

func (featureCTCP) Attach(c *Client) {
	c.Handle("PRIVMSG", func(c *Client, msg *xirc.Message) {
		cmd, params, ok := xirc.ParseCTCP(msg)
		if !ok || msg.Prefix == nil {
			return
		}
		target := msg.Params[0]

		if c.Callbacks.CTCP != nil && c.Callbacks.CTCP(c, msg.Prefix, target, cmd, params) {
			return
		}

		switch cmd {
		case "VERSION":
			c.CTCPReply(msg.Prefix.Name, "VERSION", Version)
		case "PING":
			c.CTCPReply(msg.Prefix.Name, "PING", params)
		case "TIME":
			c.CTCPReply(msg.Prefix.Name, "TIME", time.Now().Format(time.RFC1123))
		}
	})

	c.Handle("NOTICE", func(c *Client, msg *xirc.Message) {
		cmd, params, ok := xirc.ParseCTCP(msg)
		if !ok || msg.Prefix == nil {
			return
		}
		if c.Callbacks.CTCPReply != nil {
			c.Callbacks.CTCPReply(c, msg.Prefix, cmd, params)
		}
	})
}
