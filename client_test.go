package ayame

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"git.sr.ht/~kaori/ayame/xirc"
)

type testLogger struct {
	t *testing.T
}

func (l testLogger) Printf(format string, v ...interface{}) {
	l.t.Logf(format, v...)
}

func (l testLogger) Debugf(format string, v ...interface{}) {
	l.t.Logf(format, v...)
}

// testServer is the remote side of a piped connection, scripted by the
// test body.
type testServer struct {
	t    *testing.T
	conn net.Conn
	lr   *lineReader
}

func newTestServer(t *testing.T, conn net.Conn) *testServer {
	codec, _ := newTextCodec("")
	return &testServer{t: t, conn: conn, lr: newLineReader(conn, codec)}
}

func (s *testServer) sendf(format string, args ...interface{}) {
	s.t.Helper()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(s.conn, format+"\r\n", args...); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

// expect reads lines until one contains substr.
func (s *testServer) expect(substr string) string {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		line, err := s.lr.readLine()
		if err != nil {
			s.t.Fatalf("expecting %q: %v", substr, err)
		}
		if strings.Contains(line, substr) {
			return line
		}
	}
}

// expectNext asserts on the very next line.
func (s *testServer) expectNext(substr string) string {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.lr.readLine()
	if err != nil {
		s.t.Fatalf("expecting %q: %v", substr, err)
	}
	if !strings.Contains(line, substr) {
		s.t.Fatalf("got %q, expected %q", line, substr)
	}
	return line
}

type testHarness struct {
	t      *testing.T
	client *Client
	server *testServer
	pool   *Pool
	cancel context.CancelFunc
	done   chan struct{}
	dialed chan net.Conn
}

func startTestClient(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()

	h := &testHarness{
		t:      t,
		done:   make(chan struct{}),
		dialed: make(chan net.Conn, 4),
	}

	cfg := Config{
		Nick:          "MyBot",
		ThrottleDelay: time.Millisecond,
		ThrottleBurst: 100,
		Logger:        testLogger{t},
		DialFn: func(ctx context.Context) (net.Conn, error) {
			serverConn, clientConn := net.Pipe()
			h.dialed <- serverConn
			return clientConn, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() = %v", err)
	}
	h.client = client

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.pool = NewPool(cfg.Logger)
	if err := h.pool.Connect(ctx, client); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	go func() {
		h.pool.HandleForever(ctx)
		close(h.done)
	}()

	h.server = h.acceptConn()
	t.Cleanup(h.stop)
	return h
}

// acceptConn waits for the client's next dial attempt.
func (h *testHarness) acceptConn() *testServer {
	h.t.Helper()
	select {
	case conn := <-h.dialed:
		return newTestServer(h.t, conn)
	case <-time.After(5 * time.Second):
		h.t.Fatalf("timed out waiting for a connection")
		return nil
	}
}

func (h *testHarness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Errorf("pool did not stop")
	}
}

// onLoop runs f on the event loop and waits for it.
func (h *testHarness) onLoop(f func(c *Client)) {
	h.t.Helper()
	done := make(chan struct{})
	h.client.RunOnLoop(func(c *Client) {
		f(c)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatalf("event loop did not run the scheduled func")
	}
}

// sync waits until the event loop has processed every line the server
// sent so far, using a PING round trip.
func (h *testHarness) sync() {
	h.t.Helper()
	h.server.sendf("PING sync")
	h.server.expect("PONG sync")
}

// register walks the handshake with no capabilities advertised.
func (h *testHarness) register() {
	s := h.server
	s.expect("CAP LS 302")
	s.sendf(":srv CAP * LS :")
	s.expect("CAP END")
	s.expect("NICK MyBot")
	s.expect("USER MyBot 0 *")
	s.sendf(":srv 001 MyBot :Welcome to the network, MyBot")
}

func TestBasicRegistration(t *testing.T) {
	connected := make(chan struct{}, 1)
	h := startTestClient(t, func(cfg *Config) {})
	h.client.Callbacks.Connect = func(c *Client) {
		connected <- struct{}{}
	}

	h.register()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatalf("Connect callback did not fire")
	}
	select {
	case <-connected:
		t.Fatalf("Connect callback fired twice")
	case <-time.After(50 * time.Millisecond):
	}

	h.onLoop(func(c *Client) {
		if c.Status() != StatusRegistered {
			t.Errorf("status = %v, want registered", c.Status())
		}
		if c.Nick() != "MyBot" {
			t.Errorf("nick = %q", c.Nick())
		}
	})
}

func TestRegistrationWithPass(t *testing.T) {
	h := startTestClient(t, func(cfg *Config) {
		cfg.Pass = "hunter2"
	})
	s := h.server
	s.expect("CAP LS 302")
	s.expectNext("PASS hunter2")
	s.sendf(":srv CAP * LS :")
	s.expect("NICK MyBot")
}

func TestNickCollision(t *testing.T) {
	h := startTestClient(t, func(cfg *Config) {
		cfg.FallbackNicks = []string{"MyBot_", "MyBotX"}
	})
	s := h.server
	s.expect("CAP LS 302")
	s.sendf(":srv CAP * LS :")
	s.expect("NICK MyBot")
	s.sendf(":srv 433 * MyBot :Nickname is already in use")
	s.expect("NICK MyBot_")
	s.sendf(":srv 433 * MyBot_ :Nickname is already in use")
	s.expect("NICK MyBotX")
	s.sendf(":srv 001 MyBotX :Welcome")
	h.sync()

	h.onLoop(func(c *Client) {
		if c.Nick() != "MyBotX" {
			t.Errorf("nick = %q, want MyBotX", c.Nick())
		}
	})
}

func TestCapabilityNegotiation(t *testing.T) {
	h := startTestClient(t, nil)
	s := h.server
	s.expect("CAP LS 302")
	s.sendf(":srv CAP * LS * :multi-prefix server-time")
	s.sendf(":srv CAP * LS :message-tags unknown-cap")
	req := s.expect("CAP REQ")
	for _, name := range []string{"multi-prefix", "server-time", "message-tags"} {
		if !strings.Contains(req, name) {
			t.Errorf("CAP REQ %q missing %q", req, name)
		}
	}
	if strings.Contains(req, "unknown-cap") {
		t.Errorf("CAP REQ %q requested an unwanted capability", req)
	}
	s.sendf(":srv CAP MyBot ACK :multi-prefix server-time message-tags")
	s.expect("CAP END")
	s.expect("NICK MyBot")
	s.sendf(":srv 001 MyBot :Welcome")

	h.onLoop(func(c *Client) {
		if !c.CapEnabled("server-time") {
			t.Errorf("server-time not enabled")
		}
		if c.CapEnabled("unknown-cap") {
			t.Errorf("unknown-cap enabled")
		}
	})
}

func TestSASLPlain(t *testing.T) {
	h := startTestClient(t, func(cfg *Config) {
		cfg.SASLMechanism = "PLAIN"
		cfg.SASLUsername = "user"
		cfg.SASLPassword = "pass"
	})
	s := h.server
	s.expect("CAP LS 302")
	s.sendf(":srv CAP * LS :sasl=PLAIN,EXTERNAL")
	s.expect("CAP REQ")
	s.sendf(":srv CAP MyBot ACK :sasl")
	s.expect("AUTHENTICATE PLAIN")
	s.sendf("AUTHENTICATE +")

	want := base64.StdEncoding.EncodeToString([]byte("\x00user\x00pass"))
	s.expect("AUTHENTICATE " + want)
	s.sendf(":srv 903 MyBot :SASL authentication successful")
	s.expect("CAP END")
	s.sendf(":srv 001 MyBot :Welcome")

	h.onLoop(func(c *Client) {
		if !c.CapEnabled("sasl") {
			t.Errorf("sasl capability not enabled")
		}
	})
}

func TestSASLFailureNotRequired(t *testing.T) {
	var authErr error
	h := startTestClient(t, func(cfg *Config) {
		cfg.SASLMechanism = "PLAIN"
		cfg.SASLUsername = "user"
		cfg.SASLPassword = "wrong"
	})
	h.client.Callbacks.Error = func(c *Client, err error) {
		var ae *AuthenticationError
		if errors.As(err, &ae) {
			authErr = err
		}
	}
	s := h.server
	s.expect("CAP LS 302")
	s.sendf(":srv CAP * LS :sasl")
	s.expect("CAP REQ")
	s.sendf(":srv CAP MyBot ACK :sasl")
	s.expect("AUTHENTICATE PLAIN")
	s.sendf("AUTHENTICATE +")
	s.expect("AUTHENTICATE")
	s.sendf(":srv 904 MyBot :SASL authentication failed")
	// registration proceeds regardless
	s.expect("CAP END")
	s.expect("NICK MyBot")
	s.sendf(":srv 001 MyBot :Welcome")

	h.onLoop(func(c *Client) {
		if authErr == nil {
			t.Errorf("authentication error not surfaced")
		}
		if c.CapEnabled("sasl") {
			t.Errorf("sasl capability enabled after failure")
		}
	})
}

func TestCaseInsensitiveJoin(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()
	s := h.server

	s.sendf(":MyBot!u@h JOIN :#Chan")
	s.sendf(":srv 353 MyBot = #Chan :MyBot")
	s.sendf(":srv 366 MyBot #Chan :End of /NAMES list")
	s.sendf(":Other!u@h JOIN #CHAN")
	h.sync()

	h.onLoop(func(c *Client) {
		if len(c.channels) != 1 {
			t.Fatalf("channel table has %v entries, want 1", len(c.channels))
		}
		ch, ok := c.channels["#chan"]
		if !ok {
			t.Fatalf("channel table missing #chan key")
		}
		if !ch.hasMember(c.Casemap("MyBot")) || !ch.hasMember(c.Casemap("other")) {
			t.Errorf("channel members incomplete")
		}
		if c.User("OTHER") == nil {
			t.Errorf("user table missing other")
		}
	})
}

func TestNamesAndMemberships(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()
	s := h.server

	s.sendf(":srv 005 MyBot PREFIX=(ohv)@%%+ CHANMODES=b,k,l,imnpst :are supported by this server")
	s.sendf(":MyBot!u@h JOIN :#c")
	s.sendf(":srv 353 MyBot = #c :MyBot @%%nickA +nickB plain")
	s.sendf(":srv 366 MyBot #c :End of /NAMES list")
	h.sync()

	h.onLoop(func(c *Client) {
		ms := c.Membership("#c", "nickA")
		if len(ms) != 2 || ms[0].Prefix != '@' || ms[1].Prefix != '%' {
			t.Errorf("nickA memberships = %v", ms)
		}
		if ms := c.Membership("#c", "nickB"); len(ms) != 1 || ms[0].Prefix != '+' {
			t.Errorf("nickB memberships = %v", ms)
		}
		if ms := c.Membership("#c", "plain"); len(ms) != 0 {
			t.Errorf("plain memberships = %v", ms)
		}
	})
}

func TestModeParsingWithPrefix(t *testing.T) {
	var changes []ModeChange
	h := startTestClient(t, nil)
	h.client.Callbacks.ModeChanged = func(c *Client, target string, mc []ModeChange, by *xirc.Prefix) {
		if target == "#c" {
			changes = append(changes, mc...)
		}
	}
	h.register()
	s := h.server

	s.sendf(":srv 005 MyBot PREFIX=(ohv)@%%+ CHANMODES=b,k,l,imnpst :are supported by this server")
	s.sendf(":MyBot!u@h JOIN :#c")
	s.sendf(":srv 353 MyBot = #c :MyBot nickA +nickB")
	s.sendf(":srv 366 MyBot #c :End of /NAMES list")
	s.sendf(":srv MODE #c +ol-v nickA 42 nickB")
	h.sync()

	h.onLoop(func(c *Client) {
		want := []ModeChange{
			{Plus: true, Mode: 'o', Param: "nickA"},
			{Plus: true, Mode: 'l', Param: "42"},
			{Plus: false, Mode: 'v', Param: "nickB"},
		}
		if len(changes) != len(want) {
			t.Fatalf("changes = %v, want %v", changes, want)
		}
		for i := range want {
			if changes[i] != want[i] {
				t.Errorf("change %v = %v, want %v", i, changes[i], want[i])
			}
		}

		if ms := c.Membership("#c", "nickA"); len(ms) != 1 || ms[0].Mode != 'o' {
			t.Errorf("nickA memberships = %v", ms)
		}
		if ms := c.Membership("#c", "nickB"); len(ms) != 0 {
			t.Errorf("nickB memberships = %v, want none", ms)
		}
		ch := c.Channel("#c")
		if ch.Modes['l'] != "42" {
			t.Errorf("channel modes = %v", ch.Modes)
		}
	})
}

func TestNickChangeRekeysState(t *testing.T) {
	var old, new_ string
	h := startTestClient(t, nil)
	h.client.Callbacks.NickChange = func(c *Client, oldNick, newNick string) {
		old, new_ = oldNick, newNick
	}
	h.register()
	s := h.server

	s.sendf(":MyBot!u@h JOIN :#c")
	s.sendf(":srv 353 MyBot = #c :MyBot Other")
	s.sendf(":srv 366 MyBot #c :End of /NAMES list")
	s.sendf(":Other!u@h NICK :Renamed")
	h.sync()

	h.onLoop(func(c *Client) {
		if old != "Other" || new_ != "Renamed" {
			t.Errorf("NickChange = %q -> %q", old, new_)
		}
		if c.User("Other") != nil {
			t.Errorf("old nick still in user table")
		}
		u := c.User("renamed")
		if u == nil || u.Nick != "Renamed" {
			t.Fatalf("new nick not tracked: %v", u)
		}
		if c.Membership("#c", "Renamed") == nil && !c.Channel("#c").hasMember(c.Casemap("Renamed")) {
			t.Errorf("membership not rekeyed")
		}
	})
}

func TestQuitAndPartForgetUsers(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()
	s := h.server

	s.sendf(":MyBot!u@h JOIN :#c")
	s.sendf(":srv 353 MyBot = #c :MyBot Alice Bob")
	s.sendf(":srv 366 MyBot #c :End of /NAMES list")
	s.sendf(":Alice!a@h QUIT :bye")
	s.sendf(":Bob!b@h PART #c")
	h.sync()

	h.onLoop(func(c *Client) {
		if c.User("Alice") != nil {
			t.Errorf("Alice still tracked after QUIT")
		}
		if c.User("Bob") != nil {
			t.Errorf("Bob still tracked after PART")
		}
		if c.User("MyBot") == nil {
			t.Errorf("own user dropped")
		}
	})

	// parting the last channel drops its members but keeps ourselves
	s.sendf(":MyBot!u@h PART #c")
	h.sync()
	h.onLoop(func(c *Client) {
		if c.InChannel("#c") {
			t.Errorf("still in channel after self part")
		}
	})
}

func TestISupportCasemapRekey(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()
	s := h.server

	// rfc1459 default: {} folds to []
	s.sendf(":MyBot!u@h JOIN :#chan{x}")
	s.sendf(":srv 366 MyBot #chan{x} :End of /NAMES list")
	h.sync()

	h.onLoop(func(c *Client) {
		if _, ok := c.channels["#chan[x]"]; !ok {
			t.Fatalf("channel not keyed with rfc1459 folding: %v", c.Channels())
		}
	})

	s.sendf(":srv 005 MyBot CASEMAPPING=ascii :are supported by this server")
	h.sync()
	h.onLoop(func(c *Client) {
		if _, ok := c.channels["#chan{x}"]; !ok {
			t.Fatalf("channel not rekeyed after CASEMAPPING=ascii: %v", c.Channels())
		}
	})
}

func TestISupportCallbackAndParams(t *testing.T) {
	tokens := make(map[string]string)
	h := startTestClient(t, nil)
	h.client.Callbacks.ISupport = func(c *Client, token, value string, ok bool) {
		if ok {
			tokens[token] = value
		}
	}
	h.register()
	s := h.server

	s.sendf(":srv 005 MyBot NETWORK=ExampleNet CHANTYPES=# STATUSMSG=@+ NICKLEN=31 WHOX MONITOR=100 :are supported by this server")
	h.sync()

	h.onLoop(func(c *Client) {
		if c.NetworkName() != "ExampleNet" {
			t.Errorf("network = %q", c.NetworkName())
		}
		if c.chanTypes != "#" {
			t.Errorf("chantypes = %q", c.chanTypes)
		}
		if !c.whox || c.monitorLimit != 100 || c.nickLen != 31 {
			t.Errorf("parameters not applied: whox=%v monitor=%v nicklen=%v", c.whox, c.monitorLimit, c.nickLen)
		}
		if tokens["NETWORK"] != "ExampleNet" {
			t.Errorf("ISupport callback tokens = %v", tokens)
		}
	})
}

func TestChannelAndPrivateMessages(t *testing.T) {
	type delivered struct {
		kind, target, text string
	}
	var got []delivered
	h := startTestClient(t, nil)
	h.client.Callbacks.ChannelMessage = func(c *Client, src *xirc.Prefix, channel, text string, at time.Time) {
		got = append(got, delivered{"channel", channel, text})
	}
	h.client.Callbacks.PrivateMessage = func(c *Client, src *xirc.Prefix, text string, at time.Time) {
		got = append(got, delivered{"private", "", text})
	}
	h.register()
	s := h.server

	s.sendf(":srv 005 MyBot STATUSMSG=@+ :are supported by this server")
	s.sendf(":MyBot!u@h JOIN :#c")
	s.sendf(":srv 366 MyBot #c :End of /NAMES list")
	s.sendf(":a!u@h PRIVMSG #c :to the channel")
	s.sendf(":a!u@h PRIVMSG @#c :to the ops")
	s.sendf(":a!u@h PRIVMSG MyBot :in private")
	h.sync()

	h.onLoop(func(c *Client) {
		want := []delivered{
			{"channel", "#c", "to the channel"},
			{"channel", "#c", "to the ops"},
			{"private", "", "in private"},
		}
		if len(got) != len(want) {
			t.Fatalf("messages = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("message %v = %v, want %v", i, got[i], want[i])
			}
		}
	})
}

func TestCTCPVersionReply(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()
	s := h.server

	s.sendf(":asker!u@h PRIVMSG MyBot :\x01VERSION\x01")
	line := s.expect("NOTICE asker")
	if !strings.Contains(line, "\x01VERSION") {
		t.Errorf("reply = %q", line)
	}
}

func TestWhois(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()
	s := h.server

	req := h.client.Whois("Target")
	s.expect("WHOIS Target")
	s.sendf(":srv 311 MyBot Target user host.example.org * :Real Name")
	s.sendf(":srv 312 MyBot Target srv.example.org :Server Info")
	s.sendf(":srv 319 MyBot Target :@#chan1 #chan2")
	s.sendf(":srv 330 MyBot Target account :is logged in as")
	s.sendf(":srv 671 MyBot Target :is using a secure connection")
	s.sendf(":srv 318 MyBot Target :End of /WHOIS list")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := req.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if info.Username != "user" || info.Hostname != "host.example.org" || info.Realname != "Real Name" {
		t.Errorf("info = %+v", info)
	}
	if info.Server != "srv.example.org" || info.Account != "account" || !info.Secure || !info.Identified {
		t.Errorf("info = %+v", info)
	}
	if len(info.Channels) != 2 || info.Channels[0] != "#chan1" {
		t.Errorf("channels = %v", info.Channels)
	}
}

func TestWhoisNoSuchNick(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()
	s := h.server

	req := h.client.Whois("missing")
	s.expect("WHOIS missing")
	s.sendf(":srv 401 MyBot missing :No such nick/channel")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := req.Wait(ctx); !errors.Is(err, ErrNoSuchNick) {
		t.Errorf("Wait() = %v, want ErrNoSuchNick", err)
	}
}

func TestWhoisTimeout(t *testing.T) {
	h := startTestClient(t, func(cfg *Config) {
		cfg.RequestTimeout = 50 * time.Millisecond
	})
	h.register()

	req := h.client.Whois("Silent")
	h.server.expect("WHOIS Silent")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := req.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("Wait() = %v, want ErrTimeout", err)
	}
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()

	req := h.client.Whois("Silent")
	h.server.expect("WHOIS Silent")
	h.server.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := req.Wait(ctx); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Wait() = %v, want ErrDisconnected", err)
	}
}

func TestWhowas(t *testing.T) {
	h := startTestClient(t, nil)
	h.register()
	s := h.server

	req := h.client.Whowas("Gone")
	s.expect("WHOWAS Gone")
	s.sendf(":srv 314 MyBot Gone user host.example.org * :Old Real Name")
	s.sendf(":srv 369 MyBot Gone :End of WHOWAS")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := req.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if info.Username != "user" || info.Realname != "Old Real Name" {
		t.Errorf("info = %+v", info)
	}
}

func TestMonitor(t *testing.T) {
	online := make(chan string, 1)
	offline := make(chan string, 1)
	h := startTestClient(t, nil)
	h.client.Callbacks.UserOnline = func(c *Client, nick string) { online <- nick }
	h.client.Callbacks.UserOffline = func(c *Client, nick string) { offline <- nick }
	h.register()
	s := h.server

	s.sendf(":srv 005 MyBot MONITOR=100 :are supported by this server")
	h.sync()
	h.client.Monitor("Friend")
	s.expect("MONITOR + Friend")
	s.sendf(":srv 730 MyBot :Friend!u@h")

	select {
	case nick := <-online:
		if nick != "Friend" {
			t.Errorf("online nick = %q", nick)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("UserOnline did not fire")
	}

	s.sendf(":srv 731 MyBot :Friend")
	select {
	case nick := <-offline:
		if nick != "Friend" {
			t.Errorf("offline nick = %q", nick)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("UserOffline did not fire")
	}

	h.client.Unmonitor("Friend")
	s.expect("MONITOR - Friend")
}

func TestQuitDisconnectsExpectedly(t *testing.T) {
	expected := make(chan bool, 1)
	h := startTestClient(t, nil)
	h.client.Callbacks.Disconnect = func(c *Client, exp bool) { expected <- exp }
	h.register()
	s := h.server

	h.client.Quit("bye")
	s.expect("QUIT bye")
	s.conn.Close()

	select {
	case exp := <-expected:
		if !exp {
			t.Errorf("Disconnect(expected) = false, want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Disconnect callback did not fire")
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not finish after final disconnect")
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	expected := make(chan bool, 1)
	h := startTestClient(t, nil)
	h.client.Callbacks.Disconnect = func(c *Client, exp bool) { expected <- exp }
	h.register()

	// the server drops the connection unexpectedly
	h.server.conn.Close()
	select {
	case exp := <-expected:
		if exp {
			t.Errorf("Disconnect(expected) = true, want false")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Disconnect callback did not fire")
	}

	// first backoff delay is zero, so a fresh dial follows
	s := h.acceptConn()
	s.expect("CAP LS 302")
	s.sendf(":srv CAP * LS :")
	s.expect("NICK MyBot")
}

func TestPoolRunsTwoClients(t *testing.T) {
	t.Parallel()

	type dialT struct {
		server net.Conn
	}
	dialed := make(chan dialT, 2)
	newCfg := func(nick string) Config {
		return Config{
			Nick:          nick,
			ThrottleBurst: 100,
			ThrottleDelay: time.Millisecond,
			Logger:        testLogger{t},
			DialFn: func(ctx context.Context) (net.Conn, error) {
				serverConn, clientConn := net.Pipe()
				dialed <- dialT{serverConn}
				return clientConn, nil
			},
		}
	}

	c1, err := NewClient(newCfg("BotOne"))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := NewClient(newCfg("BotTwo"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(testLogger{t})
	if err := pool.Connect(ctx, c1); err != nil {
		t.Fatal(err)
	}
	if err := pool.Connect(ctx, c2); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		pool.HandleForever(ctx)
		close(done)
	}()

	handshake := func(s *testServer) string {
		s.expect("CAP LS 302")
		s.sendf(":srv CAP * LS :")
		line := s.expect("NICK ")
		nick := strings.TrimPrefix(line, "NICK ")
		s.sendf(":srv 001 %v :Welcome", nick)
		return nick
	}

	d1 := <-dialed
	d2 := <-dialed
	s1 := newTestServer(t, d1.server)
	s2 := newTestServer(t, d2.server)

	n1 := handshake(s1)
	n2 := handshake(s2)
	if n1 == n2 {
		t.Errorf("both connections registered the same nick %q", n1)
	}

	c1.Quit("")
	c2.Quit("")
	s1.expect("QUIT")
	s2.expect("QUIT")
	s1.conn.Close()
	s2.conn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not finish after both clients quit")
	}
}

func TestSecondPoolRejected(t *testing.T) {
	h := startTestClient(t, nil)
	other := NewPool(testLogger{t})
	if err := other.Connect(context.Background(), h.client); !errors.Is(err, ErrAlreadyInPool) {
		t.Errorf("Connect() = %v, want ErrAlreadyInPool", err)
	}
}
