package ayame

import (
	"git.sr.ht/~kaori/ayame/xirc"
)

// membershipMode resolves a mode character to the membership it
// grants, per the active PREFIX parameter.
func (c *Client) membershipMode(mode byte) (xirc.Membership, bool) {
	for _, m := range c.memberships {
		if m.Mode == mode {
			return m, true
		}
	}
	return xirc.Membership{}, false
}

// applyChannelModes applies a channel mode string to tracked state.
// Parameter consumption follows PREFIX (membership modes) and the
// CHANMODES classes: list (A) and parameter (B) modes always consume
// one, setting (C) modes only when set, flag (D) modes never.
func (c *Client) applyChannelModes(ch *Channel, modeStr string, params []string) ([]ModeChange, error) {
	var changes []ModeChange
	nextParam := func() string {
		if len(params) == 0 {
			return ""
		}
		p := params[0]
		params = params[1:]
		return p
	}

	plus := true
	for i := 0; i < len(modeStr); i++ {
		mode := modeStr[i]
		switch mode {
		case '+':
			plus = true
			continue
		case '-':
			plus = false
			continue
		}

		change := ModeChange{Plus: plus, Mode: mode}

		if membership, ok := c.membershipMode(mode); ok {
			change.Param = nextParam()
			if ms := ch.members[c.casemap(change.Param)]; ms != nil {
				if plus {
					ms.Add(c.memberships, membership)
				} else {
					ms.Remove(membership)
				}
			}
			changes = append(changes, change)
			continue
		}

		mt, known := c.chanModes[mode]
		if !known {
			// an unadvertised mode without a known class; assume a
			// flag mode
			mt = xirc.ModeTypeD
		}
		switch mt {
		case xirc.ModeTypeA, xirc.ModeTypeB:
			change.Param = nextParam()
		case xirc.ModeTypeC:
			if plus {
				change.Param = nextParam()
			}
		}

		// list modes (bans and friends) are not tracked
		if mt != xirc.ModeTypeA {
			if plus {
				ch.Modes[mode] = change.Param
			} else {
				delete(ch.Modes, mode)
			}
		}
		changes = append(changes, change)
	}

	return changes, nil
}

func handleMode(c *Client, msg *xirc.Message) {
	var target, modeStr string
	if err := msg.ParseParams(&target, &modeStr); err != nil {
		return
	}

	var changes []ModeChange
	if c.IsChannel(target) {
		ch := c.Channel(target)
		if ch == nil {
			c.emitError(protocolError("MODE for unknown channel " + target))
			return
		}
		var err error
		changes, err = c.applyChannelModes(ch, modeStr, msg.Params[2:])
		if err != nil {
			c.emitError(err)
			return
		}
	} else {
		if !c.IsMe(target) {
			c.emitError(protocolError("MODE for unknown nick " + target))
			return
		}
		if err := c.userModes.Apply(modeStr); err != nil {
			c.emitError(err)
			return
		}
		plus := true
		for i := 0; i < len(modeStr); i++ {
			switch modeStr[i] {
			case '+':
				plus = true
			case '-':
				plus = false
			default:
				changes = append(changes, ModeChange{Plus: plus, Mode: modeStr[i]})
			}
		}
	}

	if c.Callbacks.ModeChanged != nil {
		c.Callbacks.ModeChanged(c, target, changes, msg.Prefix)
	}
}
