package coap

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lobaro/coap-engine/coapmsg"
)

// ContextConfig are the construction parameters spec.md §6 lists: the
// input/output buffers, how much option space a TCP CSM will advertise,
// the exchange timeout, and the scheduler/PRNG collaborators.
type ContextConfig struct {
	InputBuffer     []byte
	OutputBuffer    []byte
	MaxOptionBytes  int
	ExchangeTimeout time.Duration
	Scheduler       Scheduler
	PRNG            PRNG
	TokenGen        TokenGenerator
}

// Context is a single CoAP endpoint (spec.md §5): single-threaded
// cooperative, not safe to share across goroutines without external
// serialization. It owns every Exchange created through it.
type Context struct {
	mu sync.Mutex

	cfg ContextConfig

	exchanges map[ExchangeID]*Exchange
	byToken   map[string][]*Exchange

	ioBusy bool // spec.md §5 buffer acquire/release discipline
}

func NewContext(cfg ContextConfig) *Context {
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewTimerScheduler()
	}
	if cfg.PRNG == nil {
		cfg.PRNG = NewCryptoPRNG()
	}
	if cfg.TokenGen == nil {
		cfg.TokenGen = NewPRNGTokenGenerator(cfg.PRNG)
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	return &Context{
		cfg:       cfg,
		exchanges: make(map[ExchangeID]*Exchange),
		byToken:   make(map[string][]*Exchange),
	}
}

// acquireIO and releaseIO bracket a single receive/send step. Re-entering
// while busy is a caller error (spec.md §5): two goroutines, or a
// callback invoked during dispatch, touching the same context's shared
// buffer concurrently.
func (c *Context) acquireIO() {
	assertf(!c.ioBusy, "coap: context re-entered during a receive/send step")
	c.ioBusy = true
}

func (c *Context) releaseIO() {
	c.ioBusy = false
}

func (c *Context) newToken() coapmsg.Token {
	return coapmsg.Token(c.cfg.TokenGen.NextToken())
}

func (c *Context) register(ex *Exchange) {
	c.exchanges[ex.ID] = ex
	k := string(ex.Token)
	c.byToken[k] = append(c.byToken[k], ex)
}

func (c *Context) unregister(ex *Exchange) {
	delete(c.exchanges, ex.ID)
	k := string(ex.Token)
	list := c.byToken[k]
	for i, e := range list {
		if e == ex {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.byToken, k)
	} else {
		c.byToken[k] = list
	}
}

// findActive looks up an in-flight exchange by (token, request key). A
// terminated exchange is unregistered as soon as its terminal callback
// fires, so a "next block" request whose token matches a now-complete
// exchange simply finds nothing here — which is exactly what lets
// AcceptAsyncRequest open a fresh exchange for it (spec.md §4.6).
func (c *Context) findActive(token coapmsg.Token, key *coapmsg.Options) *Exchange {
	for _, ex := range c.byToken[string(token)] {
		if ex.sameRequest(token, key) {
			return ex
		}
	}
	return nil
}

func (c *Context) armTimeout(ex *Exchange) {
	if ex.haveTimer {
		c.cfg.Scheduler.Cancel(ex.timeoutJob)
	}
	id := ex.ID
	ex.timeoutJob = c.cfg.Scheduler.Schedule(c.cfg.ExchangeTimeout, func() {
		c.mu.Lock()
		cur, ok := c.exchanges[id]
		if !ok || cur != ex {
			c.mu.Unlock()
			return
		}
		deliver := c.terminateLocked(ex, DeliveryTimeout, nil)
		c.mu.Unlock()
		deliver()
	})
	ex.haveTimer = true
}

// SendAsyncRequest begins a client exchange (spec.md §4.6): queued, then
// immediately in_flight once registered. writer may be nil for a request
// with no body or one already fully buffered in req.Payload.
func (c *Context) SendAsyncRequest(req *coapmsg.Message, writer PayloadWriter, cb ClientCallback) *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(req.Token) == 0 {
		req.Token = c.newToken()
	}
	ex := &Exchange{
		ID: ExchangeID(uuid.New()), Kind: ExchangeClientRequest, Token: req.Token, Code: req.Code,
		requestKey: requestKeyOptions(&req.Options), ctx: c,
		clientState: ClientQueued, clientCallback: cb, writer: writer,
	}
	c.register(ex)
	ex.clientState = ClientInFlight
	c.armTimeout(ex)
	return ex
}

// AcceptAsyncRequest begins or continues a server exchange for an
// incoming request.
func (c *Context) AcceptAsyncRequest(req *coapmsg.Message, handler ServerHandler) *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := requestKeyOptions(&req.Options)
	if ex := c.findActive(req.Token, &key); ex != nil {
		return ex
	}

	ex := &Exchange{
		ID: ExchangeID(uuid.New()), Kind: ExchangeServerResponse, Token: req.Token, Code: req.Code,
		requestKey: key, ctx: c,
		serverState: ServerAwaitingFirstChunk, serverHandler: handler,
	}
	c.register(ex)
	c.armTimeout(ex)
	return ex
}

// DeliverClientPartial invokes a client exchange's callback with
// PARTIAL_CONTENT and arms a fresh deadline from this moment — a partial
// delivery never simply refreshes the old one (spec.md §4.6).
func (c *Context) DeliverClientPartial(ex *Exchange, resp *coapmsg.Message) {
	c.mu.Lock()
	if _, ok := c.exchanges[ex.ID]; !ok {
		c.mu.Unlock()
		return
	}
	ex.clientState = ClientReceivingResponse
	c.armTimeout(ex)
	cb := ex.clientCallback
	c.mu.Unlock()
	if cb != nil {
		cb(ex, DeliveryPartialContent, resp)
	}
}

// DeliverClientFinal invokes a client exchange's terminal callback with
// resp and tears the exchange down.
func (c *Context) DeliverClientFinal(ex *Exchange, resp *coapmsg.Message, reason DeliveryReason) {
	c.mu.Lock()
	if _, ok := c.exchanges[ex.ID]; !ok {
		c.mu.Unlock()
		return
	}
	deliver := c.terminateLocked(ex, reason, resp)
	c.mu.Unlock()
	deliver()
}

// terminateLocked tears ex down while c.mu is held and returns a closure
// that invokes its terminal callback; callers must unlock c.mu before
// calling the closure so a callback that re-enters the context (e.g.
// calling ex.Cancel on the very exchange it's handling) never deadlocks
// on the non-reentrant mutex. Once this returns, ex is already
// unregistered, so a re-entrant cancel of the same exchange is a no-op —
// the natural resolution of spec.md's open question about cancelling a
// client exchange from inside its own terminal delivery callback.
func (c *Context) terminateLocked(ex *Exchange, reason DeliveryReason, msg *coapmsg.Message) func() {
	if ex.haveTimer {
		c.cfg.Scheduler.Cancel(ex.timeoutJob)
		ex.haveTimer = false
	}
	c.unregister(ex)

	switch ex.Kind {
	case ExchangeClientRequest:
		if reason == DeliveryOK {
			ex.clientState = ClientComplete
		} else {
			ex.clientState = ClientFailed
		}
		cb := ex.clientCallback
		return func() {
			if cb != nil {
				cb(ex, reason, msg)
			}
		}
	default:
		ex.serverState = ServerComplete
		h := ex.serverHandler
		return func() {
			if h != nil {
				h(ex, reason, msg)
			}
		}
	}
}

// DeliverServerPartial invokes a server exchange's handler with
// PARTIAL_CONTENT for a non-final request chunk.
func (c *Context) DeliverServerPartial(ex *Exchange, req *coapmsg.Message) {
	c.mu.Lock()
	if _, ok := c.exchanges[ex.ID]; !ok {
		c.mu.Unlock()
		return
	}
	ex.serverState = ServerStreamingRequestPayload
	c.armTimeout(ex)
	h := ex.serverHandler
	c.mu.Unlock()
	if h != nil {
		h(ex, DeliveryPartialContent, req)
	}
}

// DeliverServerFinal invokes a server exchange's handler for the last
// request chunk (or a cancellation/timeout) and, once the handler is
// done responding, tears the exchange down.
func (c *Context) DeliverServerFinal(ex *Exchange, req *coapmsg.Message, reason DeliveryReason) {
	c.mu.Lock()
	if _, ok := c.exchanges[ex.ID]; !ok {
		c.mu.Unlock()
		return
	}
	deliver := c.terminateLocked(ex, reason, req)
	c.mu.Unlock()
	deliver()
}

// CancelExchange tears down ex idempotently and synchronously, invoking
// its terminal callback with CANCEL (client) or CLEANUP (server) if it
// hasn't already terminated (spec.md §5). Safe to call re-entrantly from
// inside the very callback it would invoke: by the time that callback
// runs, ex is already unregistered, so the re-entrant call finds nothing
// and returns immediately.
func (c *Context) CancelExchange(ex *Exchange) {
	c.mu.Lock()
	if _, ok := c.exchanges[ex.ID]; !ok {
		c.mu.Unlock()
		return
	}
	reason := DeliveryCancel
	if ex.Kind != ExchangeClientRequest {
		reason = DeliveryCleanup
	}
	deliver := c.terminateLocked(ex, reason, nil)
	c.mu.Unlock()
	deliver()
}

func (c *Context) cancelExchange(ex *Exchange, reason DeliveryReason) {
	c.mu.Lock()
	if _, ok := c.exchanges[ex.ID]; !ok {
		c.mu.Unlock()
		return
	}
	deliver := c.terminateLocked(ex, reason, nil)
	c.mu.Unlock()
	deliver()
}

// DeliverResponseByToken looks up the client exchange awaiting resp's token
// and completes it with DeliveryOK. It's the binding glue a transport (e.g.
// TCPConn.Dispatch) uses to hand a decoded message back into the exchange
// machinery without needing its own copy of the token table; reports false
// if no client exchange is waiting on that token (an unsolicited or
// late-arriving message, which the caller is free to just log and drop).
func (c *Context) DeliverResponseByToken(resp *coapmsg.Message) bool {
	c.mu.Lock()
	var ex *Exchange
	for _, cand := range c.byToken[string(resp.Token)] {
		if cand.Kind == ExchangeClientRequest {
			ex = cand
			break
		}
	}
	c.mu.Unlock()
	if ex == nil {
		return false
	}
	c.DeliverClientFinal(ex, resp, DeliveryOK)
	return true
}
