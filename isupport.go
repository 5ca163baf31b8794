package ayame

import (
	"strconv"
	"strings"

	"git.sr.ht/~kaori/ayame/xirc"
)

// applyISupportToken applies one 005 token to the active protocol
// parameters. A negated token restores the built-in default.
func (c *Client) applyISupportToken(token, value string, negate bool) {
	switch token {
	case "CASEMAPPING":
		casemap := xirc.ParseCaseMapping(value)
		if negate || casemap == nil {
			casemap = xirc.CaseMappingRFC1459
		}
		c.casemap = casemap
		c.casemapIsSet = true
		c.rekeyState()
	case "CHANTYPES":
		if negate {
			c.chanTypes = defaultChanTypes
		} else {
			c.chanTypes = value
		}
	case "CHANMODES":
		if negate {
			c.chanModes = xirc.StdChannelModes
		} else if modes, err := xirc.ParseChanModes(value); err != nil {
			c.emitError(err)
		} else {
			c.chanModes = modes
		}
	case "PREFIX":
		if negate {
			c.memberships = xirc.StdMemberships
		} else if memberships, err := xirc.ParseMemberships(value); err != nil {
			c.emitError(err)
		} else {
			c.memberships = memberships
		}
	case "STATUSMSG":
		if negate {
			c.statusMsg = defaultStatusMsg
		} else {
			c.statusMsg = value
		}
	case "NICKLEN":
		c.nickLen = parseISupportInt(value, negate)
	case "CHANNELLEN":
		c.channelLen = parseISupportInt(value, negate)
	case "NETWORK":
		if negate {
			c.networkName = defaultNetworkName
		} else {
			c.networkName = value
		}
	case "MONITOR":
		wasOff := c.monitorLimit < 0
		if negate {
			c.monitorLimit = -1
		} else if value == "" {
			c.monitorLimit = 0 // no limit
		} else {
			c.monitorLimit = parseISupportInt(value, false)
		}
		if wasOff && c.monitorLimit >= 0 {
			c.resubscribeMonitors()
		}
	case "WHOX":
		c.whox = !negate
	case "EXTBAN":
		if negate {
			c.extban = ""
		} else {
			c.extban = value
		}
	}
}

func parseISupportInt(value string, negate bool) int {
	if negate {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

// featureISupport tracks the 005 protocol parameters: case mapping,
// channel types and modes, membership prefixes and friends.
type featureISupport struct{}

func (featureISupport) Name() string       { return "isupport" }
func (featureISupport) Requires() []string { return []string{"rfc1459"} }

func (featureISupport) Attach(c *Client) {
	c.Handle(xirc.RPL_ISUPPORT, func(c *Client, msg *xirc.Message) {
		if len(msg.Params) < 2 {
			return
		}
		// tokens sit between our nick and the trailing explanation
		for _, token := range msg.Params[1 : len(msg.Params)-1] {
			name := token
			var negate bool
			var value string
			if strings.HasPrefix(token, "-") {
				negate = true
				name = token[1:]
			} else if i := strings.IndexByte(token, '='); i >= 0 {
				name = token[:i]
				value = token[i+1:]
			}
			name = strings.ToUpper(name)

			if negate {
				delete(c.isupport, name)
			} else {
				c.isupport[name] = value
			}
			c.applyISupportToken(name, value, negate)

			if c.Callbacks.ISupport != nil {
				c.Callbacks.ISupport(c, name, value, !negate)
			}
		}
	})

	// servers predating ISUPPORT never send a CASEMAPPING token; the
	// end of the MOTD closes the registration burst either way
	for _, numeric := range []string{xirc.RPL_ENDOFMOTD, xirc.ERR_NOMOTD} {
		c.Handle(numeric, func(c *Client, msg *xirc.Message) {
			if !c.casemapIsSet {
				c.casemapIsSet = true
				c.casemap = xirc.CaseMappingRFC1459
				c.rekeyState()
			}
		})
	}
}

// ISupport returns the raw value of an advertised 005 token.
// Loop-owned.
func (c *Client) ISupport(token string) (string, bool) {
	v, ok := c.isupport[strings.ToUpper(token)]
	return v, ok
}

// NetworkName returns the ISUPPORT-advertised network name. Loop-owned.
func (c *Client) NetworkName() string {
	return c.networkName
}
