package ayame

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~kaori/ayame/xirc"
)

const (
	defaultPingTimeout    = 3 * time.Minute
	defaultRequestTimeout = 30 * time.Second

	// capNegotiationTimeout bounds the wait for a CAP LS reply from
	// servers that predate capability negotiation.
	capNegotiationTimeout = 10 * time.Second

	reconnectMinDelay  = 5 * time.Second
	reconnectMaxDelay  = 5 * time.Minute
	reconnectJitter    = 0.1
	stableConnPeriod   = time.Minute
	defaultChanTypes   = "#&+!"
	defaultStatusMsg   = ""
	defaultNetworkName = ""
)

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusCapability
	StatusRegistering
	StatusRegistered
	StatusReconnecting
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusCapability:
		return "capability"
	case StatusRegistering:
		return "registering"
	case StatusRegistered:
		return "registered"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config describes how to reach and identify with an IRC server.
type Config struct {
	// Addr is the server address, either host[:port] or a URL with one
	// of the schemes ircs, irc+insecure, irc+unix, ws, wss.
	Addr string

	Nick string
	// FallbackNicks are tried in order when the server rejects Nick
	// during registration. Once exhausted a random suffix is appended.
	FallbackNicks []string
	// Username and Realname default to Nick.
	Username string
	Realname string
	// Pass is sent as PASS before registration.
	Pass string

	// TLS selects the ircs scheme for bare host[:port] addresses.
	TLS bool
	// TLSVerify controls peer certificate verification; nil means
	// verify.
	TLSVerify             *bool
	TLSClientCert         string
	TLSClientCertKey      string
	TLSClientCertPassword string

	// SASLMechanism enables SASL during capability negotiation:
	// "PLAIN" or "EXTERNAL".
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string
	SASLIdentity  string
	// SASLRequired escalates authentication failure to a disconnect.
	SASLRequired bool

	// Encoding is the IANA name of the wire text encoding. The default
	// is UTF-8 with a Latin-1 fallback on decode.
	Encoding string

	// PingTimeout is the inbound idle threshold: a PING is sent after
	// it elapses, the connection is declared dead after twice it.
	PingTimeout time.Duration
	// RequestTimeout bounds pending requests such as Whois.
	RequestTimeout time.Duration

	// Channels are joined automatically after registration.
	Channels []string
	// WhoOnJoin issues a WHO query for every channel joined, filling
	// in user details beyond NAMES.
	WhoOnJoin bool

	ThrottleDelay time.Duration
	ThrottleBurst int

	Debug  bool
	Logger Logger

	// DialFn overrides transport establishment; Addr is ignored when
	// set.
	DialFn func(ctx context.Context) (net.Conn, error)
}

// Client is a connection to an IRC server. All protocol state is owned
// by the event loop of the pool the client is bound to: handlers and
// callbacks run on that loop, and state accessors must only be called
// from it. Methods that send messages are safe from any goroutine.
type Client struct {
	// Callbacks holds the application's event callbacks. It must be
	// populated before the client is bound to a pool.
	Callbacks Callbacks

	config Config
	logger Logger

	pool *Pool
	ctx  context.Context

	features []Feature
	handlers map[string][]RawHandler
	capHooks map[string]capHook
	wantCaps map[string]bool

	// connection state, owned by the event loop. connMu guards the
	// conn pointer for the benefit of cross-goroutine senders; every
	// other field is loop-only.
	connMu       sync.Mutex
	status       Status
	conn         *conn
	connSeq      int
	closing      bool
	finished     bool
	backoff      *backoffer
	lastActivity time.Time
	pingSent     bool

	// identity
	nick          string
	nickCM        string
	username      string
	realname      string
	account       string
	serverName    string
	fallbackIndex int
	userModes     xirc.ModeSet

	// protocol parameters, reset to defaults on every connection
	casemap      xirc.CaseMapping
	casemapIsSet bool
	chanTypes    string
	statusMsg    string
	chanModes    map[byte]xirc.ChannelModeType
	memberships  []xirc.Membership
	nickLen      int
	channelLen   int
	networkName  string
	monitorLimit int
	whox         bool
	extban       string
	isupport     map[string]string

	// capability negotiation
	caps          map[string]*capability
	capsPending   int
	capLSReceived bool
	capLSMore     bool
	capEndSent    bool
	sasl          saslNegotiation

	// user and channel state
	users     map[string]*User
	channels  map[string]*Channel
	monitored map[string]string

	requests requestRegistry
}

// NewClient builds a client with the default feature set.
func NewClient(cfg Config) (*Client, error) {
	return NewClientWith(cfg, DefaultFeatures()...)
}

// NewClientWith builds a client from an explicit feature list. The
// list is linearized with Featurize; handler registration order
// follows the linearization, dependencies first.
func NewClientWith(cfg Config, features ...Feature) (*Client, error) {
	if cfg.Nick == "" {
		return nil, fmt.Errorf("missing nickname")
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Nick
	}
	if cfg.Realname == "" {
		cfg.Realname = cfg.Nick
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = NewLogger(cfg.Debug)
	}
	if _, err := newTextCodec(cfg.Encoding); err != nil {
		return nil, err
	}

	linearized, err := Featurize(features...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:    cfg,
		logger:    &prefixLogger{cfg.Logger, fmt.Sprintf("client %q: ", cfg.Nick)},
		features:  linearized,
		handlers:  make(map[string][]RawHandler),
		capHooks:  make(map[string]capHook),
		wantCaps:  make(map[string]bool),
		backoff:   newBackoffer(reconnectMinDelay, reconnectMaxDelay, reconnectJitter),
		monitored: make(map[string]string),
		requests:  newRequestRegistry(),
	}
	c.resetConnState()

	// attach dependencies before their dependents, so that base
	// handlers run first and dependent features observe their effects
	for i := len(linearized) - 1; i >= 0; i-- {
		linearized[i].Attach(c)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// Status returns the connection lifecycle state. Loop-owned.
func (c *Client) Status() Status {
	return c.status
}

// Nick returns the nickname currently in use. Loop-owned.
func (c *Client) Nick() string {
	return c.nick
}

// Casemap returns the canonical form of name under the connection's
// active case mapping.
func (c *Client) Casemap(name string) string {
	return c.casemap(name)
}

// IsMe reports whether nick identifies this client.
func (c *Client) IsMe(nick string) bool {
	return c.nickCM == c.casemap(nick)
}

// IsChannel reports whether name starts with one of the server's
// channel type prefixes.
func (c *Client) IsChannel(name string) bool {
	return name != "" && strings.IndexByte(c.chanTypes, name[0]) >= 0
}

// resetConnState restores the per-connection protocol parameters and
// tables to their pre-registration defaults.
func (c *Client) resetConnState() {
	c.nick = c.config.Nick
	c.username = c.config.Username
	c.realname = c.config.Realname
	c.account = ""
	c.serverName = ""
	c.fallbackIndex = 0
	c.userModes = ""
	c.pingSent = false

	c.casemap = xirc.CaseMappingRFC1459
	c.casemapIsSet = false
	c.nickCM = c.casemap(c.nick)
	c.chanTypes = defaultChanTypes
	c.statusMsg = defaultStatusMsg
	c.chanModes = xirc.StdChannelModes
	c.memberships = xirc.StdMemberships
	c.nickLen = 0
	c.channelLen = 0
	c.networkName = defaultNetworkName
	c.monitorLimit = -1
	c.whox = false
	c.extban = ""
	c.isupport = make(map[string]string)

	c.caps = make(map[string]*capability)
	c.capsPending = 0
	c.capLSReceived = false
	c.capLSMore = false
	c.capEndSent = false
	c.resetSASL()

	c.users = make(map[string]*User)
	c.channels = make(map[string]*Channel)
}

// post delivers an event to the owning pool's loop. It blocks when the
// loop is saturated, providing backpressure to the caller.
func (c *Client) post(e event) {
	c.pool.events <- e
}

// RunOnLoop schedules f on the event loop. It is safe to call from any
// goroutine, including from handlers already running on the loop.
func (c *Client) RunOnLoop(f func(*Client)) {
	if c.pool == nil {
		panic("ayame: client is not bound to a pool")
	}
	e := eventTimer{c, f}
	select {
	case c.pool.events <- e:
	default:
		go func() { c.pool.events <- e }()
	}
}

// afterFunc schedules f on the event loop after d. The returned timer
// may be stopped; a fire racing the stop is filtered by seq.
func (c *Client) afterFunc(d time.Duration, f func(*Client)) *time.Timer {
	seq := c.connSeq
	return time.AfterFunc(d, func() {
		c.post(eventTimer{c, func(c *Client) {
			if c.connSeq != seq {
				return
			}
			f(c)
		}})
	})
}

func (c *Client) startConnect() {
	if c.closing || c.ctx.Err() != nil {
		c.status = StatusDisconnected
		c.pool.clientDone(c)
		return
	}
	c.status = StatusConnecting
	ctx := c.ctx

	go func() {
		var (
			ic  ircConn
			err error
		)
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		if c.config.DialFn != nil {
			var nc net.Conn
			if nc, err = c.config.DialFn(dialCtx); err == nil {
				codec, _ := newTextCodec(c.config.Encoding)
				ic = newNetIRCConn(nc, codec)
			}
		} else {
			ic, err = dial(dialCtx, &c.config, c.logger)
		}
		cancel()
		if err != nil {
			c.post(eventConnectFailed{c, err})
			return
		}

		cn := newConn(ic, &connOptions{
			Logger:        c.logger,
			ThrottleDelay: c.config.ThrottleDelay,
			ThrottleBurst: c.config.ThrottleBurst,
		})
		c.post(eventConnected{c, cn})

		for {
			msg, err := cn.ReadMessage()
			if err != nil {
				c.post(eventDisconnected{c, err})
				return
			}
			c.post(eventMessage{c, msg})
		}
	}()
}

func (c *Client) handleEvent(e event) {
	switch e := e.(type) {
	case eventConnected:
		c.handleConnected(e.conn)
	case eventConnectFailed:
		c.handleConnectFailed(e.err)
	case eventMessage:
		c.dispatchMessage(e.msg)
	case eventDisconnected:
		c.handleDisconnected(e.err)
	case eventTimer:
		e.f(c)
	default:
		panic(fmt.Sprintf("unknown event type %T", e))
	}
}

func (c *Client) setConn(cn *conn) {
	c.connMu.Lock()
	c.conn = cn
	c.connMu.Unlock()
}

func (c *Client) handleConnected(cn *conn) {
	c.setConn(cn)
	c.connSeq++
	c.resetConnState()
	c.lastActivity = time.Now()
	c.status = StatusCapability

	c.register()
	c.scheduleKeepalive()
}

// register starts the handshake: capability discovery first, NICK and
// USER once negotiation ends (or the server turns out not to speak
// CAP).
func (c *Client) register() {
	c.SendMessage(xirc.NewMessage("CAP", "LS", "302"))

	if c.config.Pass != "" {
		c.SendMessage(xirc.NewMessage("PASS", c.config.Pass))
	}

	c.afterFunc(capNegotiationTimeout, func(c *Client) {
		if c.status != StatusCapability {
			return
		}
		if !c.capLSReceived {
			c.logger.Printf("no CAP LS reply, proceeding with registration")
		} else {
			c.logger.Printf("capability negotiation timed out, proceeding with registration")
			c.capsPending = 0
		}
		c.finishCapPhase()
	})
}

// finishCapPhase leaves the CAPABILITY state and sends the NICK/USER
// pair. CAP END is emitted exactly once, and only when a CAP LS reply
// was seen.
func (c *Client) finishCapPhase() {
	if c.status != StatusCapability {
		return
	}
	if c.capLSReceived && !c.capEndSent {
		c.capEndSent = true
		c.SendMessage(xirc.NewMessage("CAP", "END"))
	}
	c.status = StatusRegistering
	c.SendMessage(xirc.NewMessage("NICK", c.nick))
	c.SendMessage(xirc.NewMessage("USER", c.username, "0", "*", c.realname))
}

// nextNick advances through the configured fallback nicknames, then
// appends a random suffix.
func (c *Client) nextNick() string {
	if c.fallbackIndex < len(c.config.FallbackNicks) {
		nick := c.config.FallbackNicks[c.fallbackIndex]
		c.fallbackIndex++
		return nick
	}
	return fmt.Sprintf("%v%03d", c.config.Nick, rand.Intn(1000))
}

func (c *Client) handleWelcome(msg *xirc.Message) {
	if len(msg.Params) > 0 {
		c.setNick(msg.Params[0])
	}
	if msg.Prefix != nil {
		c.serverName = msg.Prefix.Name
	}
	if c.status == StatusCapability {
		// the server welcomed us before the capability phase ended
		c.status = StatusRegistering
	}
	if c.capsPending > 0 {
		c.logger.Printf("registration completed with %v capabilities unresolved", c.capsPending)
		c.emitError(protocolError("welcome received before capability negotiation settled"))
		c.capsPending = 0
	}
	c.status = StatusRegistered
	c.logger.Printf("connection registered")

	c.afterFunc(stableConnPeriod, func(c *Client) {
		if c.status == StatusRegistered {
			c.backoff.Reset()
		}
	})

	c.resubscribeMonitors()
	for _, target := range c.config.Channels {
		c.SendMessage(xirc.NewMessage("JOIN", target))
	}
	if c.Callbacks.Connect != nil {
		c.Callbacks.Connect(c)
	}
}

func (c *Client) setNick(nick string) {
	c.nick = nick
	c.nickCM = c.casemap(nick)
}

func (c *Client) scheduleKeepalive() {
	interval := c.config.PingTimeout / 2
	c.afterFunc(interval, func(c *Client) {
		idle := time.Since(c.lastActivity)
		switch {
		case idle >= 2*c.config.PingTimeout:
			c.logger.Printf("ping timeout after %v", idle)
			c.closeConn()
			return
		case idle >= c.config.PingTimeout && !c.pingSent:
			name := c.serverName
			if name == "" {
				name = "keepalive"
			}
			c.SendMessage(xirc.NewMessage("PING", name))
			c.pingSent = true
		}
		c.scheduleKeepalive()
	})
}

func (c *Client) closeConn() {
	if c.conn != nil && !c.conn.isClosed() {
		c.conn.Close()
	}
}

func (c *Client) handleConnectFailed(err error) {
	if c.closing || c.ctx.Err() != nil {
		c.status = StatusDisconnected
		c.pool.clientDone(c)
		return
	}
	c.logger.Printf("failed to connect: %v", err)
	c.emitError(err)
	c.scheduleReconnect()
}

func (c *Client) handleDisconnected(err error) {
	if c.conn == nil {
		return
	}
	c.closeConn()
	c.setConn(nil)
	c.connSeq++

	expected := c.closing
	if !expected {
		c.logger.Printf("connection lost: %v", err)
	}

	c.abortSASL()
	c.requests.failAll(ErrDisconnected)
	c.resetConnState()

	if c.Callbacks.Disconnect != nil {
		c.Callbacks.Disconnect(c, expected)
	}

	if expected {
		c.status = StatusDisconnected
		c.pool.clientDone(c)
		return
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.status = StatusReconnecting
	d := c.backoff.Next()
	c.logger.Printf("reconnecting in %v", d)
	c.afterFunc(d, func(c *Client) {
		if c.status != StatusReconnecting {
			return
		}
		c.startConnect()
	})
}

// Quit sends QUIT and tears the connection down once the server closes
// the stream. Safe from any goroutine.
func (c *Client) Quit(reason string) {
	c.RunOnLoop(func(c *Client) {
		if c.status == StatusDisconnected || c.status == StatusClosing {
			return
		}
		c.closing = true
		c.status = StatusClosing
		if c.conn == nil {
			c.status = StatusDisconnected
			c.pool.clientDone(c)
			return
		}
		if reason != "" {
			c.SendMessage(xirc.NewMessage("QUIT", reason))
		} else {
			c.SendMessage(xirc.NewMessage("QUIT"))
		}
		// in case the server never closes the stream
		c.afterFunc(3*time.Second, func(c *Client) {
			c.closeConn()
		})
	})
}

// Disconnect closes the transport immediately, without a QUIT
// exchange. Safe from any goroutine.
func (c *Client) Disconnect() {
	c.RunOnLoop(func(c *Client) {
		c.closing = true
		if c.conn == nil {
			if c.status != StatusDisconnected {
				c.status = StatusDisconnected
				c.pool.clientDone(c)
			}
			return
		}
		c.closeConn()
	})
}

func (c *Client) emitError(err error) {
	if c.Callbacks.Error != nil {
		c.Callbacks.Error(c, err)
	}
}

// SendMessage queues msg for delivery. Safe from any goroutine.
// PRIVMSG/NOTICE traffic is subject to the outbound throttle.
func (c *Client) SendMessage(msg *xirc.Message) {
	c.connMu.Lock()
	cn := c.conn
	c.connMu.Unlock()
	if cn == nil {
		return
	}
	cn.SendMessage(msg)
}

// Send queues a message built from command and params.
func (c *Client) Send(command string, params ...string) {
	c.SendMessage(xirc.NewMessage(command, params...))
}
