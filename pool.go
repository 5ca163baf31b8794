package ayame

import (
	"context"
	"sync"
)

// Pool runs any number of clients on one event loop. All handlers and
// callbacks of its clients run on the goroutine that calls
// HandleForever; per-client event order is preserved, and clients are
// interleaved in event arrival order.
type Pool struct {
	logger Logger
	events chan event

	mu       sync.Mutex
	clients  []*Client
	bindings int

	done     chan struct{}
	doneOnce sync.Once
}

// NewPool builds an empty pool. logger may be nil.
func NewPool(logger Logger) *Pool {
	if logger == nil {
		logger = NewLogger(false)
	}
	return &Pool{
		logger: logger,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
}

// Connect binds a client to the pool and starts connecting it. The
// context bounds the lifetime of the client's dial and reconnect
// attempts. A client belongs to at most one pool.
func (p *Pool) Connect(ctx context.Context, c *Client) error {
	p.mu.Lock()
	if c.pool != nil {
		p.mu.Unlock()
		return ErrAlreadyInPool
	}
	c.pool = p
	c.ctx = ctx
	p.clients = append(p.clients, c)
	p.bindings++
	p.mu.Unlock()

	p.events <- eventTimer{c, func(c *Client) {
		c.startConnect()
	}}
	return nil
}

func (p *Pool) snapshotClients() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Client(nil), p.clients...)
}

// clientDone marks a client finally disconnected. Loop-owned; called
// at most once per client.
func (p *Pool) clientDone(c *Client) {
	if c.finished {
		return
	}
	c.finished = true

	p.mu.Lock()
	p.bindings--
	remaining := p.bindings
	p.mu.Unlock()

	if remaining == 0 {
		p.doneOnce.Do(func() { close(p.done) })
	}
}

// HandleForever drains the event loop until every client disconnected
// for good or ctx is cancelled. On cancellation it closes the
// remaining connections and waits for them to unwind.
func (p *Pool) HandleForever(ctx context.Context) {
	ctxDone := ctx.Done()
	for {
		select {
		case e := <-p.events:
			if c := eventClient(e); c != nil {
				c.handleEvent(e)
			}
		case <-ctxDone:
			ctxDone = nil
			clients := p.snapshotClients()
			if len(clients) == 0 {
				return
			}
			for _, c := range clients {
				c.Disconnect()
			}
		case <-p.done:
			// flush events posted before the last client finished
			for {
				select {
				case e := <-p.events:
					if c := eventClient(e); c != nil {
						c.handleEvent(e)
					}
				default:
					return
				}
			}
		}
	}
}

// Run is a single-client convenience: it binds c to a fresh pool,
// connects, and handles events until the client disconnects for good.
func (c *Client) Run(ctx context.Context) error {
	p := NewPool(c.config.Logger)
	if err := p.Connect(ctx, c); err != nil {
		return err
	}
	p.HandleForever(ctx)
	return nil
}
