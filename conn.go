package ayame

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"git.sr.ht/~kaori/ayame/xirc"
)

const (
	connectTimeout = 15 * time.Second
	writeTimeout   = 10 * time.Second

	// maxLineLength bounds a single inbound line: tag section plus
	// message payload.
	maxLineLength = xirc.MaxTagsLength + xirc.MaxMessageLength
)

// defaultThrottle* are the outbound throttle parameters: a burst of
// messages goes out immediately, then one message per delay.
const (
	defaultThrottleBurst = 3
	defaultThrottleDelay = 2 * time.Second
)

// throttledCommands lists the commands subject to the outbound
// throttle. Everything else (PING/PONG, registration traffic) takes no
// token, but still leaves in submission order behind any throttled
// message queued before it.
var throttledCommands = map[string]bool{
	"PRIVMSG": true,
	"NOTICE":  true,
	"TAGMSG":  true,
}

// ircConn is a generic IRC connection. It's similar to net.Conn but
// focuses on reading and writing IRC messages.
type ircConn interface {
	ReadMessage() (*xirc.Message, error)
	WriteMessage(*xirc.Message) error
	Close() error
	SetWriteDeadline(time.Time) error
	SetReadDeadline(time.Time) error
}

// textCodec converts between wire octets and strings. The zero name is
// UTF-8 with a Latin-1 fallback on decode failure, so no inbound byte
// is ever lost.
type textCodec struct {
	enc encoding.Encoding
}

func newTextCodec(name string) (*textCodec, error) {
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return &textCodec{}, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
	return &textCodec{enc}, nil
}

func latin1String(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func (tc *textCodec) decode(b []byte) string {
	if tc.enc != nil {
		if s, err := tc.enc.NewDecoder().Bytes(b); err == nil {
			return string(s)
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return latin1String(b)
}

func (tc *textCodec) encode(s string) []byte {
	if tc.enc != nil {
		if b, err := tc.enc.NewEncoder().Bytes([]byte(s)); err == nil {
			return b
		}
	}
	return []byte(s)
}

func isLineEnd(r rune) bool {
	return r == '\r' || r == '\n'
}

// lineReader splits an IRC byte stream into lines. CR-LF, bare CR and
// bare LF all terminate a line. An over-long line is discarded without
// losing stream alignment.
type lineReader struct {
	br      *bufio.Reader
	pending []string
	codec   *textCodec
}

func newLineReader(r io.Reader, codec *textCodec) *lineReader {
	return &lineReader{br: bufio.NewReader(r), codec: codec}
}

func (lr *lineReader) readLine() (string, error) {
	for {
		if len(lr.pending) > 0 {
			line := lr.pending[0]
			lr.pending = lr.pending[1:]
			return line, nil
		}

		var buf []byte
		oversized := false
		for {
			slice, err := lr.br.ReadSlice('\n')
			if len(buf) < maxLineLength {
				buf = append(buf, slice...)
			} else {
				oversized = true
			}
			if err == bufio.ErrBufferFull {
				continue
			}
			if err != nil && len(buf) == 0 {
				return "", err
			}
			break
		}
		if oversized || len(buf) > maxLineLength {
			return "", fmt.Errorf("%w: line exceeds %v octets", xirc.ErrMalformedMessage, maxLineLength)
		}
		lr.pending = strings.FieldsFunc(lr.codec.decode(buf), isLineEnd)
	}
}

type netIRCConn struct {
	net.Conn
	lr    *lineReader
	bw    *bufio.Writer
	codec *textCodec
}

func newNetIRCConn(c net.Conn, codec *textCodec) ircConn {
	return &netIRCConn{
		Conn:  c,
		lr:    newLineReader(c, codec),
		bw:    bufio.NewWriter(c),
		codec: codec,
	}
}

func (ic *netIRCConn) ReadMessage() (*xirc.Message, error) {
	line, err := ic.lr.readLine()
	if err != nil {
		return nil, err
	}
	return xirc.ParseMessage(line)
}

func (ic *netIRCConn) WriteMessage(msg *xirc.Message) error {
	line, err := msg.MarshalLine()
	if err != nil {
		return err
	}
	if _, err := ic.bw.Write(ic.codec.encode(line)); err != nil {
		return err
	}
	if _, err := ic.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return ic.bw.Flush()
}

type websocketIRCConn struct {
	conn                        *websocket.Conn
	readDeadline, writeDeadline time.Time
}

func newWebsocketIRCConn(c *websocket.Conn) ircConn {
	return &websocketIRCConn{conn: c}
}

func (wic *websocketIRCConn) ReadMessage() (*xirc.Message, error) {
	ctx := context.Background()
	if !wic.readDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, wic.readDeadline)
		defer cancel()
	}
	_, b, err := wic.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return xirc.ParseMessage(strings.TrimRight(string(b), "\r\n"))
}

func (wic *websocketIRCConn) WriteMessage(msg *xirc.Message) error {
	line, err := msg.MarshalLine()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if !wic.writeDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, wic.writeDeadline)
		defer cancel()
	}
	return wic.conn.Write(ctx, websocket.MessageText, []byte(line))
}

func (wic *websocketIRCConn) Close() error {
	return wic.conn.Close(websocket.StatusNormalClosure, "")
}

func (wic *websocketIRCConn) SetReadDeadline(t time.Time) error {
	wic.readDeadline = t
	return nil
}

func (wic *websocketIRCConn) SetWriteDeadline(t time.Time) error {
	wic.writeDeadline = t
	return nil
}

func loadClientCertificate(certPath, keyPath, password string) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client certificate: %v", err)
	}
	if keyPath == "" {
		keyPath = certPath
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client key: %v", err)
	}

	if password != "" {
		block, _ := pem.Decode(keyPEM)
		if block == nil {
			return nil, fmt.Errorf("failed to decode client key PEM")
		}
		der, err := x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt client key: %v", err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %v", err)
	}
	return &cert, nil
}

// dial establishes the underlying byte stream for the given address.
// Recognized schemes: ircs (TLS, default), irc+insecure, irc+unix/unix,
// ws and wss. A bare host[:port] address is interpreted according to
// cfg.TLS.
func dial(ctx context.Context, cfg *Config, logger Logger) (ircConn, error) {
	addr := cfg.Addr
	if !strings.Contains(addr, "://") {
		if cfg.TLS {
			addr = "ircs://" + addr
		} else {
			addr = "irc+insecure://" + addr
		}
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address %q: %v", addr, err)
	}

	codec, err := newTextCodec(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: connectTimeout}

	switch u.Scheme {
	case "ircs":
		addr := u.Host
		host, _, err := net.SplitHostPort(u.Host)
		if err != nil {
			host = u.Host
			addr = u.Host + ":6697"
		}

		logger.Printf("connecting to TLS server at address %q", addr)

		tlsConfig := &tls.Config{
			ServerName:         host,
			NextProtos:         []string{"irc"},
			InsecureSkipVerify: cfg.TLSVerify != nil && !*cfg.TLSVerify,
		}
		if cfg.TLSClientCert != "" {
			cert, err := loadClientCertificate(cfg.TLSClientCert, cfg.TLSClientCertKey, cfg.TLSClientCertPassword)
			if err != nil {
				return nil, err
			}
			tlsConfig.Certificates = []tls.Certificate{*cert}
		}

		netConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %q: %v", addr, err)
		}
		return newNetIRCConn(tls.Client(netConn, tlsConfig), codec), nil
	case "irc+insecure":
		addr := u.Host
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = addr + ":6667"
		}

		logger.Printf("connecting to plain-text server at address %q", addr)
		netConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %q: %v", addr, err)
		}
		return newNetIRCConn(netConn, codec), nil
	case "irc+unix", "unix":
		logger.Printf("connecting to Unix socket at path %q", u.Path)
		netConn, err := dialer.DialContext(ctx, "unix", u.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Unix socket %q: %v", u.Path, err)
		}
		return newNetIRCConn(netConn, codec), nil
	case "ws", "wss":
		logger.Printf("connecting to websocket server at address %q", addr)
		wsConn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
			Subprotocols: []string{"text.ircv3.net"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to dial %q: %v", addr, err)
		}
		return newWebsocketIRCConn(wsConn), nil
	default:
		return nil, fmt.Errorf("failed to dial %q: unknown scheme %q", addr, u.Scheme)
	}
}

type connOptions struct {
	Logger        Logger
	ThrottleDelay time.Duration
	ThrottleBurst int
}

// conn wraps an ircConn with a dedicated writer goroutine and the
// outbound throttle. Messages are delivered to the wire in submission
// order; throttled commands wait for a rate token first.
type conn struct {
	conn   ircConn
	logger Logger

	lock     sync.Mutex
	outgoing chan<- *xirc.Message
	closed   bool
}

func newConn(ic ircConn, options *connOptions) *conn {
	outgoing := make(chan *xirc.Message, 64)
	c := &conn{
		conn:     ic,
		logger:   options.Logger,
		outgoing: outgoing,
	}

	delay := options.ThrottleDelay
	if delay == 0 {
		delay = defaultThrottleDelay
	}
	burst := options.ThrottleBurst
	if burst == 0 {
		burst = defaultThrottleBurst
	}
	limiter := rate.NewLimiter(rate.Every(delay), burst)

	go func() {
		for msg := range outgoing {
			if throttledCommands[msg.Command] {
				if err := limiter.Wait(context.Background()); err != nil {
					break
				}
			}
			c.logger.Debugf("sent: %v", msg)
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(msg); err != nil {
				c.logger.Printf("failed to write message: %v", err)
				break
			}
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Printf("failed to close connection: %v", err)
		} else {
			c.logger.Debugf("connection closed")
		}
		// Drain the outgoing channel to prevent SendMessage from
		// blocking
		for range outgoing {
			// This space is intentionally left blank
		}
	}()

	return c
}

func (c *conn) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// Close closes the connection. It is safe to call from any goroutine.
func (c *conn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return net.ErrClosed
	}

	err := c.conn.Close()
	c.closed = true
	close(c.outgoing)
	return err
}

// ReadMessage reads the next inbound message. Malformed lines are
// logged and skipped without aborting the stream.
func (c *conn) ReadMessage() (*xirc.Message, error) {
	for {
		msg, err := c.conn.ReadMessage()
		if errors.Is(err, xirc.ErrMalformedMessage) {
			c.logger.Printf("dropped inbound line: %v", err)
			continue
		} else if err != nil {
			return nil, err
		}

		c.logger.Debugf("received: %v", msg)
		return msg, nil
	}
}

// SendMessage queues a new outgoing message. It is safe to call from
// any goroutine.
//
// If the connection is closed before the message is sent, SendMessage
// silently drops the message.
func (c *conn) SendMessage(msg *xirc.Message) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return
	}
	c.outgoing <- msg
}
