package ayame

import (
	"strings"

	"git.sr.ht/~kaori/ayame/xirc"
)

// CapState is the negotiation state of one server capability.
type CapState int

const (
	CapAvailable CapState = iota
	CapRequested
	CapEnabledState
	CapNegotiatingState
	CapFailedState
	CapDisabledState
)

type capability struct {
	name  string
	value string
	state CapState
}

// capHook decides what happens when the server acknowledges a
// capability a feature asked for.
type capHook func(c *Client, name string) CapVerdict

// WantCap marks a capability to be requested whenever the server
// advertises it. Features call this from Attach.
func (c *Client) WantCap(name string) {
	c.wantCaps[strings.ToLower(name)] = true
}

// HookCap registers the enable hook for a capability. At most one hook
// per capability; the last registration wins.
func (c *Client) HookCap(name string, hook capHook) {
	c.capHooks[strings.ToLower(name)] = hook
}

// CapEnabled reports whether a capability finished negotiation
// successfully. Loop-owned.
func (c *Client) CapEnabled(name string) bool {
	cap, ok := c.caps[strings.ToLower(name)]
	return ok && cap.state == CapEnabledState
}

// CapValue returns the advertised value of a capability. Loop-owned.
func (c *Client) CapValue(name string) (string, bool) {
	cap, ok := c.caps[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return cap.value, true
}

// CapabilityNegotiated settles a deferred capability negotiation
// started by a CapNegotiating verdict. Safe from any goroutine.
func (c *Client) CapabilityNegotiated(name string, ok bool) {
	c.RunOnLoop(func(c *Client) {
		cap := c.caps[strings.ToLower(name)]
		if cap == nil || cap.state != CapNegotiatingState {
			return
		}
		if ok {
			cap.state = CapEnabledState
		} else {
			cap.state = CapFailedState
			c.SendMessage(xirc.NewMessage("CAP", "REQ", "-"+cap.name))
		}
		c.capsPending--
		c.maybeEndCaps()
	})
}

// maybeEndCaps leaves the CAPABILITY state once every requested
// capability settled.
func (c *Client) maybeEndCaps() {
	if c.capsPending > 0 || c.capLSMore {
		return
	}
	if c.status == StatusCapability {
		c.finishCapPhase()
	}
}

func (c *Client) handleAdvertisedCaps(capsStr string) {
	for _, s := range strings.Fields(capsStr) {
		kv := strings.SplitN(s, "=", 2)
		name := strings.ToLower(kv[0])
		var value string
		if len(kv) == 2 {
			value = kv[1]
		}
		cap := c.caps[name]
		if cap == nil {
			cap = &capability{name: name, state: CapAvailable}
			c.caps[name] = cap
		}
		cap.value = value
	}
}

// requestCaps asks for every advertised capability a feature or the
// application wants. Requests are batched into CAP REQ lines of at
// most 510 octets.
func (c *Client) requestCaps() {
	var names []string
	for _, cap := range c.caps {
		if cap.state != CapAvailable {
			continue
		}
		want := c.wantCaps[cap.name]
		if !want && c.Callbacks.CapAvailable != nil {
			want = c.Callbacks.CapAvailable(c, cap.name, cap.value)
		}
		if !want {
			continue
		}
		cap.state = CapRequested
		c.capsPending++
		names = append(names, cap.name)
	}

	const maxReqLength = 510 - len("CAP REQ :")
	for len(names) > 0 {
		n, length := 0, 0
		for _, name := range names {
			if length > 0 && length+1+len(name) > maxReqLength {
				break
			}
			if length > 0 {
				length++
			}
			length += len(name)
			n++
		}
		if n == 0 {
			n = 1
		}
		c.SendMessage(xirc.NewMessage("CAP", "REQ", strings.Join(names[:n], " ")))
		names = names[n:]
	}
}

func (c *Client) handleCapAck(name string, acked bool) {
	name = strings.ToLower(name)
	disable := strings.HasPrefix(name, "-")
	if disable {
		name = name[1:]
	}
	cap := c.caps[name]
	if cap == nil {
		c.logger.Printf("received CAP ACK/NAK for unknown capability %q", name)
		return
	}

	pending := cap.state == CapRequested
	switch {
	case !acked:
		cap.state = CapFailedState
	case disable:
		cap.state = CapDisabledState
		if c.Callbacks.CapDisabled != nil {
			c.Callbacks.CapDisabled(c, name)
		}
	default:
		verdict := CapNegotiated
		if hook := c.capHooks[name]; hook != nil {
			verdict = hook(c, name)
		} else if c.Callbacks.CapEnabled != nil {
			verdict = c.Callbacks.CapEnabled(c, name)
		}
		switch verdict {
		case CapNegotiated:
			cap.state = CapEnabledState
		case CapNegotiating:
			cap.state = CapNegotiatingState
		case CapFailed:
			cap.state = CapFailedState
			c.SendMessage(xirc.NewMessage("CAP", "REQ", "-"+name))
		}
	}

	if pending && cap.state != CapNegotiatingState {
		c.capsPending--
	}
	c.maybeEndCaps()
}

// featureCap implements client capability negotiation: LS collection
// across continuation lines, request batching, ACK/NAK bookkeeping and
// the CAP NEW/DEL extension.
type featureCap struct{}

func (featureCap) Name() string       { return "cap" }
func (featureCap) Requires() []string { return []string{"rfc1459"} }

func (featureCap) Attach(c *Client) {
	c.WantCap("cap-notify")
	c.WantCap("message-tags")
	c.WantCap("server-time")
	c.WantCap("multi-prefix")

	c.Handle("CAP", func(c *Client, msg *xirc.Message) {
		var subCmd string
		if err := msg.ParseParams(nil, &subCmd); err != nil {
			c.emitError(err)
			return
		}
		subCmd = strings.ToUpper(subCmd)
		subParams := msg.Params[2:]
		switch subCmd {
		case "LS":
			if len(subParams) < 1 {
				return
			}
			caps := subParams[len(subParams)-1]
			more := len(subParams) >= 2 && subParams[0] == "*"

			c.capLSReceived = true
			c.capLSMore = more
			c.handleAdvertisedCaps(caps)

			if more {
				break // wait to receive all capabilities
			}
			c.requestCaps()
			c.maybeEndCaps()
		case "ACK", "NAK":
			if len(subParams) < 1 {
				return
			}
			for _, name := range strings.Fields(subParams[0]) {
				c.handleCapAck(name, subCmd == "ACK")
			}
		case "NEW":
			if len(subParams) < 1 {
				return
			}
			c.handleAdvertisedCaps(subParams[0])
			c.requestCaps()
		case "DEL":
			if len(subParams) < 1 {
				return
			}
			for _, name := range strings.Fields(subParams[0]) {
				name = strings.ToLower(name)
				if cap := c.caps[name]; cap != nil && cap.state == CapEnabledState {
					if c.Callbacks.CapDisabled != nil {
						c.Callbacks.CapDisabled(c, name)
					}
				}
				delete(c.caps, name)
			}
		case "LIST":
			// a reply to our own CAP LIST; nothing to update
		default:
			c.logger.Printf("unhandled CAP subcommand %q", subCmd)
		}
	})

	// servers without capability support answer the CAP probe with an
	// unknown-command numeric
	c.Handle(xirc.ERR_UNKNOWNCOMMAND, func(c *Client, msg *xirc.Message) {
		var command string
		if err := msg.ParseParams(nil, &command); err != nil {
			return
		}
		if strings.EqualFold(command, "CAP") && c.status == StatusCapability && !c.capLSReceived {
			c.finishCapPhase()
		}
	})
}
