package ayame

import (
	"git.sr.ht/~kaori/ayame/xirc"
)

// featureAccount keeps user identities current through the
// account-notify, away-notify, extended-join, chghost and setname
// capabilities.
type featureAccount struct{}

func (featureAccount) Name() string       { return "account" }
func (featureAccount) Requires() []string { return []string{"cap"} }

func (featureAccount) Attach(c *Client) {
	c.WantCap("account-notify")
	c.WantCap("away-notify")
	c.WantCap("extended-join")
	c.WantCap("chghost")
	c.WantCap("setname")

	c.Handle("ACCOUNT", func(c *Client, msg *xirc.Message) {
		if msg.Prefix == nil {
			return
		}
		var account string
		if err := msg.ParseParams(&account); err != nil {
			return
		}
		if account == "*" {
			account = ""
		}
		u := c.ensureUser(msg.Prefix)
		u.Account = account
		u.Identified = account != ""
		if c.Callbacks.Account != nil {
			c.Callbacks.Account(c, u.Nick, account)
		}
	})

	c.Handle("AWAY", func(c *Client, msg *xirc.Message) {
		if msg.Prefix == nil {
			return
		}
		u := c.User(msg.Prefix.Name)
		if u == nil {
			return
		}
		away := len(msg.Params) > 0
		reason := ""
		if away {
			reason = msg.Params[0]
		}
		u.Away = away
		u.AwayReason = reason
		if c.Callbacks.UserAway != nil {
			c.Callbacks.UserAway(c, u.Nick, away, reason)
		}
	})

	c.Handle("CHGHOST", func(c *Client, msg *xirc.Message) {
		if msg.Prefix == nil {
			return
		}
		var username, hostname string
		if err := msg.ParseParams(&username, &hostname); err != nil {
			return
		}
		u := c.User(msg.Prefix.Name)
		if u == nil {
			return
		}
		u.Username = username
		u.Hostname = hostname
	})

	c.Handle("SETNAME", func(c *Client, msg *xirc.Message) {
		if msg.Prefix == nil {
			return
		}
		var realname string
		if err := msg.ParseParams(&realname); err != nil {
			return
		}
		if u := c.User(msg.Prefix.Name); u != nil {
			u.Realname = realname
		}
		if c.IsMe(msg.Prefix.Name) {
			c.realname = realname
		}
	})
}
