package coap

import (
	"time"

	"github.com/google/uuid"

	"github.com/lobaro/coap-engine/coapmsg"
)

// ExchangeKind distinguishes the three roles an Exchange can play
// (spec.md §3, §4.6).
type ExchangeKind int

const (
	ExchangeClientRequest ExchangeKind = iota
	ExchangeServerResponse
	ExchangeServerNotification
)

// ExchangeID is unique within a single Context (spec.md §3).
type ExchangeID uuid.UUID

func (id ExchangeID) String() string { return uuid.UUID(id).String() }

// ClientState is the client-side exchange state machine (spec.md §4.6).
type ClientState int

const (
	ClientQueued ClientState = iota
	ClientInFlight
	ClientReceivingResponse
	ClientComplete
	ClientFailed
)

func (s ClientState) String() string {
	switch s {
	case ClientQueued:
		return "queued"
	case ClientInFlight:
		return "in_flight"
	case ClientReceivingResponse:
		return "receiving_response"
	case ClientComplete:
		return "complete"
	case ClientFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ServerState is the server-side exchange state machine (spec.md §4.6).
type ServerState int

const (
	ServerAwaitingFirstChunk ServerState = iota
	ServerStreamingRequestPayload
	ServerAwaitingResponseData
	ServerStreamingResponse
	ServerComplete
)

func (s ServerState) String() string {
	switch s {
	case ServerAwaitingFirstChunk:
		return "awaiting_first_chunk"
	case ServerStreamingRequestPayload:
		return "streaming_request_payload"
	case ServerAwaitingResponseData:
		return "awaiting_response_data"
	case ServerStreamingResponse:
		return "streaming_response"
	case ServerComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// DeliveryReason labels a single invocation of a client callback or
// server handler. spec.md §5 guarantees the sequence
// PARTIAL_CONTENT*, (OK|FAIL|CANCEL) with exactly one terminal call.
type DeliveryReason int

const (
	DeliveryPartialContent DeliveryReason = iota
	DeliveryOK
	DeliveryFail
	DeliveryCancel
	DeliveryTimeout
	DeliveryCleanup
)

func (r DeliveryReason) Terminal() bool {
	return r != DeliveryPartialContent
}

// ClientCallback receives every delivery for a client exchange.
type ClientCallback func(ex *Exchange, reason DeliveryReason, resp *coapmsg.Message)

// ServerHandler receives every delivery for a server exchange: each
// request chunk, and (once it sets up a response via SetResponseWriter)
// drives the reply.
type ServerHandler func(ex *Exchange, reason DeliveryReason, req *coapmsg.Message)

// PayloadWriter produces outgoing blockwise payload bytes on demand.
// It must be deterministic across calls for the same offset range
// (spec.md §4.7): the same offset fed twice must return the same bytes.
type PayloadWriter func(offset int64, buf []byte) (written int, done bool)

// Exchange is the unit of state for one request/response conversation
// (spec.md §3). It holds a weak back-reference to its owning Context
// (spec.md §9: the context owns all exchanges, never the reverse).
type Exchange struct {
	ID    ExchangeID
	Kind  ExchangeKind
	Token coapmsg.Token
	Code  coapmsg.Code

	// requestKey holds the request-key options (critical minus
	// BLOCK1/BLOCK2, plus Content-Format) so later chunks can be
	// correlated by logical (number, value), not serialized bytes
	// (spec.md §9).
	requestKey coapmsg.Options

	block blockState

	ctx *Context

	clientState    ClientState
	serverState    ServerState
	clientCallback ClientCallback
	serverHandler  ServerHandler

	writer       PayloadWriter
	writerOffset int64

	timeoutJob JobHandle
	haveTimer  bool
	canceled   bool
}

// sameRequest reports whether msg belongs to this exchange: matching
// token and matching request key (spec.md §4.6).
func (ex *Exchange) sameRequest(token coapmsg.Token, key *coapmsg.Options) bool {
	if !ex.Token.Equal(token) {
		return false
	}
	return coapmsg.OptionsEqual(&ex.requestKey, key, coapmsg.IsRequestKeyOption)
}

// Cancel tears down the exchange, invoking its terminal callback exactly
// once if it hasn't already fired one. Idempotent (spec.md §5).
func (ex *Exchange) Cancel() {
	ex.ctx.cancelExchange(ex, DeliveryCancel)
}

func requestKeyOptions(opts *coapmsg.Options) coapmsg.Options {
	key := coapmsg.NewOptions()
	for it := opts.Begin(); !it.End(); {
		n, err := it.Number()
		if err != nil {
			break
		}
		if coapmsg.IsRequestKeyOption(n) {
			v, err := it.Value()
			if err != nil {
				break
			}
			_ = key.Insert(n, v)
		}
		if err := it.Next(); err != nil {
			break
		}
	}
	return key
}

// defaultExchangeTimeout is the default deadline scheduled after each delivery
// that isn't terminal (spec.md §4.6: a new deadline starts from each
// partial delivery, so a stalled transfer is eventually abandoned).
const defaultExchangeTimeout = 247 * time.Second
