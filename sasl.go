package ayame

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"git.sr.ht/~kaori/ayame/xirc"
)

const saslTimeout = 10 * time.Second

type saslState int

const (
	saslIdle saslState = iota
	saslMechSelect
	saslChallenge
	saslDone
	saslFailed
)

type saslNegotiation struct {
	state     saslState
	client    sasl.Client
	started   bool
	challenge []byte
	timer     *time.Timer
}

func (c *Client) resetSASL() {
	if c.sasl.timer != nil {
		c.sasl.timer.Stop()
	}
	c.sasl = saslNegotiation{}
}

// abortSASL tears down a half-done exchange, e.g. on disconnect.
func (c *Client) abortSASL() {
	if c.sasl.state == saslMechSelect || c.sasl.state == saslChallenge {
		c.logger.Printf("aborting SASL authentication")
	}
	c.resetSASL()
}

func (c *Client) newSASLClient() (sasl.Client, error) {
	switch strings.ToUpper(c.config.SASLMechanism) {
	case "PLAIN":
		return sasl.NewPlainClient(c.config.SASLIdentity, c.config.SASLUsername, c.config.SASLPassword), nil
	case "EXTERNAL":
		return sasl.NewExternalClient(c.config.SASLIdentity), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", c.config.SASLMechanism)
	}
}

// startSASL begins the AUTHENTICATE exchange after the sasl capability
// is acknowledged.
func (c *Client) startSASL() error {
	client, err := c.newSASLClient()
	if err != nil {
		return err
	}

	mech, _, err := client.Start()
	if err != nil {
		return err
	}

	c.sasl.state = saslMechSelect
	c.sasl.client = client
	c.sasl.started = false
	c.sasl.challenge = nil
	c.sasl.timer = c.afterFunc(saslTimeout, func(c *Client) {
		if c.sasl.state != saslMechSelect && c.sasl.state != saslChallenge {
			return
		}
		c.logger.Printf("SASL authentication timed out")
		c.SendMessage(xirc.NewMessage("AUTHENTICATE", "*"))
		c.finishSASL(false, &AuthenticationError{Reason: "timeout"})
	})

	c.SendMessage(xirc.NewMessage("AUTHENTICATE", mech))
	return nil
}

// finishSASL settles the deferred sasl capability and, when the
// configuration requires authentication, escalates failure to a
// disconnect.
func (c *Client) finishSASL(ok bool, err error) {
	if c.sasl.state == saslIdle || c.sasl.state == saslDone || c.sasl.state == saslFailed {
		return
	}
	if ok {
		c.sasl.state = saslDone
	} else {
		c.sasl.state = saslFailed
	}
	if c.sasl.timer != nil {
		c.sasl.timer.Stop()
		c.sasl.timer = nil
	}
	c.sasl.client = nil

	if err != nil {
		c.emitError(err)
	}
	if !ok && c.config.SASLRequired {
		c.logger.Printf("SASL authentication required but failed, disconnecting")
		c.closeConn()
		return
	}
	c.CapabilityNegotiated("sasl", ok)
}

// saslRespond base64-encodes a mechanism response and sends it in
// 400-octet chunks; a response that is an exact multiple of the chunk
// size is terminated with a lone "+".
func (c *Client) saslRespond(resp []byte) {
	if len(resp) == 0 {
		c.SendMessage(xirc.NewMessage("AUTHENTICATE", "+"))
		return
	}
	encoded := base64.StdEncoding.EncodeToString(resp)
	for len(encoded) > 0 {
		n := len(encoded)
		if n > xirc.MaxSASLLength {
			n = xirc.MaxSASLLength
		}
		c.SendMessage(xirc.NewMessage("AUTHENTICATE", encoded[:n]))
		encoded = encoded[n:]
		if len(encoded) == 0 && n == xirc.MaxSASLLength {
			c.SendMessage(xirc.NewMessage("AUTHENTICATE", "+"))
		}
	}
}

func handleAuthenticate(c *Client, msg *xirc.Message) {
	if c.sasl.client == nil {
		c.emitError(protocolError("unexpected AUTHENTICATE"))
		return
	}

	var chunk string
	if err := msg.ParseParams(&chunk); err != nil {
		c.SendMessage(xirc.NewMessage("AUTHENTICATE", "*"))
		c.finishSASL(false, &AuthenticationError{Reason: err.Error()})
		return
	}

	// a 400-octet chunk continues in the next message
	if chunk != "+" {
		c.sasl.challenge = append(c.sasl.challenge, chunk...)
		if len(chunk) == xirc.MaxSASLLength {
			return
		}
	}

	var challenge []byte
	if len(c.sasl.challenge) > 0 {
		var err error
		challenge, err = base64.StdEncoding.DecodeString(string(c.sasl.challenge))
		if err != nil {
			c.SendMessage(xirc.NewMessage("AUTHENTICATE", "*"))
			c.finishSASL(false, &AuthenticationError{Reason: "malformed challenge"})
			return
		}
	}
	c.sasl.challenge = nil
	c.sasl.state = saslChallenge

	var resp []byte
	var err error
	if !c.sasl.started {
		_, resp, err = c.sasl.client.Start()
		c.sasl.started = true
	} else {
		resp, err = c.sasl.client.Next(challenge)
	}
	if err != nil {
		c.SendMessage(xirc.NewMessage("AUTHENTICATE", "*"))
		c.finishSASL(false, &AuthenticationError{Reason: err.Error()})
		return
	}

	c.saslRespond(resp)
}

// featureSASL authenticates during capability negotiation, driving a
// go-sasl client through the AUTHENTICATE exchange.
type featureSASL struct{}

func (featureSASL) Name() string       { return "sasl" }
func (featureSASL) Requires() []string { return []string{"cap"} }

func (featureSASL) Attach(c *Client) {
	if c.config.SASLMechanism == "" {
		return
	}

	c.WantCap("sasl")
	c.HookCap("sasl", func(c *Client, name string) CapVerdict {
		// the advertised value, when present, lists the mechanisms
		// the server accepts
		if value, ok := c.CapValue("sasl"); ok && value != "" {
			found := false
			for _, mech := range strings.Split(value, ",") {
				if strings.EqualFold(mech, c.config.SASLMechanism) {
					found = true
					break
				}
			}
			if !found {
				c.logger.Printf("server does not accept SASL mechanism %q", c.config.SASLMechanism)
				return CapFailed
			}
		}
		if err := c.startSASL(); err != nil {
			c.emitError(err)
			return CapFailed
		}
		return CapNegotiating
	})

	c.Handle("AUTHENTICATE", handleAuthenticate)

	c.Handle(xirc.RPL_LOGGEDIN, func(c *Client, msg *xirc.Message) {
		var account string
		if err := msg.ParseParams(nil, nil, &account); err != nil {
			return
		}
		c.account = account
		c.logger.Printf("logged in with account %q", account)
	})
	c.Handle(xirc.RPL_LOGGEDOUT, func(c *Client, msg *xirc.Message) {
		c.account = ""
		c.logger.Printf("logged out")
	})

	c.Handle(xirc.RPL_SASLSUCCESS, func(c *Client, msg *xirc.Message) {
		c.finishSASL(true, nil)
	})
	for _, numeric := range []string{
		xirc.ERR_NICKLOCKED, xirc.ERR_SASLFAIL, xirc.ERR_SASLTOOLONG,
		xirc.ERR_SASLABORTED, xirc.ERR_SASLALREADY,
	} {
		numeric := numeric
		c.Handle(numeric, func(c *Client, msg *xirc.Message) {
			reason := ""
			if len(msg.Params) > 0 {
				reason = msg.Params[len(msg.Params)-1]
			}
			c.finishSASL(false, &AuthenticationError{Code: numeric, Reason: reason})
		})
	}
}
