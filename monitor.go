package ayame

import (
	"strings"

	"git.sr.ht/~kaori/ayame/xirc"
)

// Monitor subscribes to online/offline notifications for a nick. The
// UserOnline and UserOffline callbacks fire as the server reports
// changes. Safe from any goroutine.
func (c *Client) Monitor(nick string) {
	c.RunOnLoop(func(c *Client) {
		nickCM := c.casemap(nick)
		if _, ok := c.monitored[nickCM]; ok {
			return
		}
		if c.monitorLimit > 0 && len(c.monitored) >= c.monitorLimit {
			c.emitError(protocolError("monitor list is full"))
			return
		}
		c.monitored[nickCM] = nick
		if c.monitorLimit >= 0 {
			c.SendMessage(xirc.NewMessage("MONITOR", "+", nick))
		}
	})
}

// Unmonitor removes a nick from the monitor list. Safe from any
// goroutine.
func (c *Client) Unmonitor(nick string) {
	c.RunOnLoop(func(c *Client) {
		nickCM := c.casemap(nick)
		if _, ok := c.monitored[nickCM]; !ok {
			return
		}
		delete(c.monitored, nickCM)
		if c.monitorLimit >= 0 {
			c.SendMessage(xirc.NewMessage("MONITOR", "-", nick))
		}
		c.forgetUserIfHidden(nick)
	})
}

// resubscribeMonitors replays the monitor list once the server has
// advertised MONITOR for the current connection.
func (c *Client) resubscribeMonitors() {
	if c.monitorLimit < 0 || len(c.monitored) == 0 {
		return
	}
	nicks := make([]string, 0, len(c.monitored))
	for _, nick := range c.monitored {
		nicks = append(nicks, nick)
	}
	c.SendMessage(xirc.NewMessage("MONITOR", "+", strings.Join(nicks, ",")))
}

// featureMonitor tracks MONITOR notifications, feeding the user table
// and the online/offline callbacks.
type featureMonitor struct{}

func (featureMonitor) Name() string       { return "monitor" }
func (featureMonitor) Requires() []string { return []string{"isupport"} }

func (featureMonitor) Attach(c *Client) {
	c.Handle(xirc.RPL_MONONLINE, func(c *Client, msg *xirc.Message) {
		var targets string
		if err := msg.ParseParams(nil, &targets); err != nil {
			return
		}
		for _, target := range strings.Split(targets, ",") {
			u := c.ensureUser(xirc.ParsePrefix(target))
			if c.Callbacks.UserOnline != nil {
				c.Callbacks.UserOnline(c, u.Nick)
			}
		}
	})

	c.Handle(xirc.RPL_MONOFFLINE, func(c *Client, msg *xirc.Message) {
		var targets string
		if err := msg.ParseParams(nil, &targets); err != nil {
			return
		}
		for _, nick := range strings.Split(targets, ",") {
			if c.Callbacks.UserOffline != nil {
				c.Callbacks.UserOffline(c, nick)
			}
		}
	})

	c.Handle(xirc.RPL_MONLIST, func(c *Client, msg *xirc.Message) {})
	c.Handle(xirc.RPL_ENDOFMONLIST, func(c *Client, msg *xirc.Message) {})

	c.Handle(xirc.ERR_MONLISTISFULL, func(c *Client, msg *xirc.Message) {
		c.emitError(protocolError("monitor list is full"))
	})
}
