package ayame

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~kaori/ayame/xirc"
)

// WhoisInfo accumulates the WHOIS reply numerics for one nick.
type WhoisInfo struct {
	Nick       string
	Username   string
	Hostname   string
	Realname   string
	Server     string
	ServerInfo string
	Operator   bool
	Idle       time.Duration
	Signon     time.Time
	Channels   []string
	Account    string
	Identified bool
	Secure     bool
	Away       bool
	AwayReason string
}

// WhowasInfo is the WHOWAS reply for one nick.
type WhowasInfo struct {
	Nick     string
	Username string
	Hostname string
	Realname string
}

// WhoisRequest is a pending WHOIS query. It resolves on the
// end-of-WHOIS numeric, on error, or on timeout.
type WhoisRequest struct {
	done chan struct{}

	once sync.Once
	info WhoisInfo
	err  error
}

// Done returns a channel closed once the request resolved.
func (r *WhoisRequest) Done() <-chan struct{} { return r.done }

// Wait blocks until the request resolves or ctx is cancelled. It must
// not be called from a handler: handlers run on the event loop that
// resolves the request.
func (r *WhoisRequest) Wait(ctx context.Context) (*WhoisInfo, error) {
	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return &r.info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *WhoisRequest) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// WhowasRequest is a pending WHOWAS query.
type WhowasRequest struct {
	done chan struct{}

	once sync.Once
	info WhowasInfo
	err  error
}

func (r *WhowasRequest) Done() <-chan struct{} { return r.done }

// Wait blocks until the request resolves or ctx is cancelled. It must
// not be called from a handler.
func (r *WhowasRequest) Wait(ctx context.Context) (*WhowasInfo, error) {
	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return &r.info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *WhowasRequest) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// requestRegistry holds the in-flight requests. Requests may be
// created from any goroutine and are resolved on the event loop, so
// the registry carries its own lock. Keys use the rfc1459 case mapping
// regardless of the active one: both sides of a lookup go through the
// same function, and the registry must not touch loop-owned state.
type requestRegistry struct {
	mu     sync.Mutex
	whois  map[string][]*WhoisRequest
	whowas map[string][]*WhowasRequest
}

func newRequestRegistry() requestRegistry {
	return requestRegistry{
		whois:  make(map[string][]*WhoisRequest),
		whowas: make(map[string][]*WhowasRequest),
	}
}

func requestKey(nick string) string {
	return xirc.CaseMappingRFC1459(nick)
}

func (reg *requestRegistry) addWhois(nick string) *WhoisRequest {
	r := &WhoisRequest{done: make(chan struct{})}
	r.info.Nick = nick
	reg.mu.Lock()
	key := requestKey(nick)
	reg.whois[key] = append(reg.whois[key], r)
	reg.mu.Unlock()
	return r
}

func (reg *requestRegistry) addWhowas(nick string) *WhowasRequest {
	r := &WhowasRequest{done: make(chan struct{})}
	r.info.Nick = nick
	reg.mu.Lock()
	key := requestKey(nick)
	reg.whowas[key] = append(reg.whowas[key], r)
	reg.mu.Unlock()
	return r
}

// accumulateWhois applies fn to every pending WHOIS for nick.
func (reg *requestRegistry) accumulateWhois(nick string, fn func(*WhoisInfo)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.whois[requestKey(nick)] {
		fn(&r.info)
	}
}

// completeWhois resolves every pending WHOIS for nick.
func (reg *requestRegistry) completeWhois(nick string, err error) {
	reg.mu.Lock()
	key := requestKey(nick)
	pending := reg.whois[key]
	delete(reg.whois, key)
	reg.mu.Unlock()
	for _, r := range pending {
		r.resolve(err)
	}
}

func (reg *requestRegistry) accumulateWhowas(nick string, fn func(*WhowasInfo)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.whowas[requestKey(nick)] {
		fn(&r.info)
	}
}

func (reg *requestRegistry) completeWhowas(nick string, err error) {
	reg.mu.Lock()
	key := requestKey(nick)
	pending := reg.whowas[key]
	delete(reg.whowas, key)
	reg.mu.Unlock()
	for _, r := range pending {
		r.resolve(err)
	}
}

// dropWhois removes a single resolved request, e.g. after a timeout.
func (reg *requestRegistry) dropWhois(nick string, r *WhoisRequest) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	key := requestKey(nick)
	pending := reg.whois[key]
	for i, v := range pending {
		if v == r {
			reg.whois[key] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(reg.whois[key]) == 0 {
		delete(reg.whois, key)
	}
}

func (reg *requestRegistry) dropWhowas(nick string, r *WhowasRequest) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	key := requestKey(nick)
	pending := reg.whowas[key]
	for i, v := range pending {
		if v == r {
			reg.whowas[key] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(reg.whowas[key]) == 0 {
		delete(reg.whowas, key)
	}
}

// failAll resolves every pending request, e.g. on disconnect.
func (reg *requestRegistry) failAll(err error) {
	reg.mu.Lock()
	whois := reg.whois
	whowas := reg.whowas
	reg.whois = make(map[string][]*WhoisRequest)
	reg.whowas = make(map[string][]*WhowasRequest)
	reg.mu.Unlock()

	for _, pending := range whois {
		for _, r := range pending {
			r.resolve(err)
		}
	}
	for _, pending := range whowas {
		for _, r := range pending {
			r.resolve(err)
		}
	}
}

// Whois queries the server about a nick and returns a request handle
// resolving on the end-of-WHOIS numeric. Safe from any goroutine.
func (c *Client) Whois(nick string) *WhoisRequest {
	r := c.requests.addWhois(nick)
	timer := time.AfterFunc(c.config.RequestTimeout, func() {
		c.requests.dropWhois(nick, r)
		r.resolve(ErrTimeout)
	})
	go func() {
		<-r.done
		timer.Stop()
	}()
	c.SendMessage(xirc.NewMessage("WHOIS", nick))
	return r
}

// Whowas queries the server about a vanished nick. Safe from any
// goroutine.
func (c *Client) Whowas(nick string) *WhowasRequest {
	r := c.requests.addWhowas(nick)
	timer := time.AfterFunc(c.config.RequestTimeout, func() {
		c.requests.dropWhowas(nick, r)
		r.resolve(ErrTimeout)
	})
	go func() {
		<-r.done
		timer.Stop()
	}()
	c.SendMessage(xirc.NewMessage("WHOWAS", nick))
	return r
}

// attachWhoisHandlers wires the WHOIS and WHOWAS reply numerics into
// the request registry and the user table.
func attachWhoisHandlers(c *Client) {
	c.Handle(xirc.RPL_WHOISUSER, func(c *Client, msg *xirc.Message) {
		var nick, username, host, realname string
		if err := msg.ParseParams(nil, &nick, &username, &host, nil, &realname); err != nil {
			return
		}
		if u := c.User(nick); u != nil {
			u.Username = username
			u.Hostname = host
			u.Realname = realname
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Username = username
			info.Hostname = host
			info.Realname = realname
		})
	})

	c.Handle(xirc.RPL_WHOISSERVER, func(c *Client, msg *xirc.Message) {
		var nick, server, serverInfo string
		if err := msg.ParseParams(nil, &nick, &server, &serverInfo); err != nil {
			return
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Server = server
			info.ServerInfo = serverInfo
		})
	})

	c.Handle(xirc.RPL_WHOISOPERATOR, func(c *Client, msg *xirc.Message) {
		var nick string
		if err := msg.ParseParams(nil, &nick); err != nil {
			return
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Operator = true
		})
	})

	c.Handle(xirc.RPL_WHOISIDLE, func(c *Client, msg *xirc.Message) {
		var nick, idleStr string
		if err := msg.ParseParams(nil, &nick, &idleStr); err != nil {
			return
		}
		idle, _ := strconv.ParseInt(idleStr, 10, 64)
		var signon time.Time
		if len(msg.Params) > 3 {
			if sec, err := strconv.ParseInt(msg.Params[3], 10, 64); err == nil {
				signon = time.Unix(sec, 0)
			}
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Idle = time.Duration(idle) * time.Second
			info.Signon = signon
		})
	})

	c.Handle(xirc.RPL_WHOISCHANNELS, func(c *Client, msg *xirc.Message) {
		var nick, channelList string
		if err := msg.ParseParams(nil, &nick, &channelList); err != nil {
			return
		}
		channels := strings.Fields(channelList)
		for i, entry := range channels {
			_, channels[i] = xirc.TrimMemberships(c.memberships, entry)
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Channels = append(info.Channels, channels...)
		})
	})

	c.Handle(xirc.RPL_WHOISACCOUNT, func(c *Client, msg *xirc.Message) {
		var nick, account string
		if err := msg.ParseParams(nil, &nick, &account); err != nil {
			return
		}
		if u := c.User(nick); u != nil {
			u.Account = account
			u.Identified = true
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Account = account
			info.Identified = true
		})
	})

	c.Handle(xirc.RPL_WHOISREGNICK, func(c *Client, msg *xirc.Message) {
		var nick string
		if err := msg.ParseParams(nil, &nick); err != nil {
			return
		}
		if u := c.User(nick); u != nil {
			u.Identified = true
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Identified = true
		})
	})

	c.Handle(xirc.RPL_WHOISSECURE, func(c *Client, msg *xirc.Message) {
		var nick string
		if err := msg.ParseParams(nil, &nick); err != nil {
			return
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Secure = true
		})
	})

	c.Handle(xirc.RPL_ENDOFWHOIS, func(c *Client, msg *xirc.Message) {
		var nick string
		if err := msg.ParseParams(nil, &nick); err != nil {
			return
		}
		c.requests.completeWhois(nick, nil)
	})

	c.Handle(xirc.ERR_NOSUCHNICK, func(c *Client, msg *xirc.Message) {
		var nick string
		if err := msg.ParseParams(nil, &nick); err != nil {
			return
		}
		c.requests.completeWhois(nick, ErrNoSuchNick)
	})

	c.Handle(xirc.RPL_WHOWASUSER, func(c *Client, msg *xirc.Message) {
		var nick, username, host, realname string
		if err := msg.ParseParams(nil, &nick, &username, &host, nil, &realname); err != nil {
			return
		}
		c.requests.accumulateWhowas(nick, func(info *WhowasInfo) {
			info.Username = username
			info.Hostname = host
			info.Realname = realname
		})
	})

	c.Handle(xirc.ERR_WASNOSUCHNICK, func(c *Client, msg *xirc.Message) {
		var nick string
		if err := msg.ParseParams(nil, &nick); err != nil {
			return
		}
		c.requests.completeWhowas(nick, ErrNoSuchNick)
	})

	c.Handle(xirc.RPL_ENDOFWHOWAS, func(c *Client, msg *xirc.Message) {
		var nick string
		if err := msg.ParseParams(nil, &nick); err != nil {
			return
		}
		c.requests.completeWhowas(nick, nil)
	})
}
