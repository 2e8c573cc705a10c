// Package bus implements the correlation bus shared by the HTTP facade, the
// streaming hub, and the single-session trading worker. Commands travel as
// JSON envelopes through one FIFO work queue; each reply is deposited under a
// TTL'd per-request key; normalized quotes fan out over pub/sub channels.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// RequestQueue is the list holding pending request envelopes.
	// Facades LPUSH; the worker BRPOPs, so envelopes drain in FIFO order.
	RequestQueue = "trading:requests"
	// replyPrefix namespaces per-request reply keys.
	replyPrefix = "trading:response:"
	// quotePrefix namespaces per-symbol quote channels.
	quotePrefix = "quote:"
)

var (
	// ErrQueueFull is returned by Submit when the queue depth bound is hit.
	ErrQueueFull = errors.New("request queue is full")
	// ErrAwaitTimeout is returned by AwaitResponse when no reply arrived in
	// time. The request outcome is unknown: the worker may still process it
	// and deposit a reply which later expires.
	ErrAwaitTimeout = errors.New("timed out awaiting response")
)

// Config parameterizes a Bus.
type Config struct {
	// ReplyTTL bounds how long an unread reply key lives.
	ReplyTTL time.Duration
	// PollInterval is the reply key re-read interval of AwaitResponse.
	PollInterval time.Duration
	// MaxDepth rejects Submit when the queue holds this many envelopes.
	// Zero disables the bound.
	MaxDepth int64
}

// Bus submits, consumes and answers correlated requests, and publishes
// normalized quotes, over a shared Redis instance.
type Bus struct {
	rdb *redis.Client
	cfg Config
}

// Dial opens a Redis client for the given URL and verifies connectivity.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	var opts, err = redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	var rdb = redis.NewClient(opts)
	if err = rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// New builds a Bus over the given client, applying Config defaults.
func New(rdb *redis.Client, cfg Config) *Bus {
	if cfg.ReplyTTL == 0 {
		cfg.ReplyTTL = time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Bus{rdb: rdb, cfg: cfg}
}

// ReplyTTL is the configured reply key lifetime.
func (b *Bus) ReplyTTL() time.Duration { return b.cfg.ReplyTTL }

// Submit enqueues the Request and returns its ID, assigning one if unset.
// It never blocks on the worker's liveness; callers follow with
// AwaitResponse. Submit fails synchronously if Redis is unreachable or the
// configured depth bound is exceeded.
func (b *Bus) Submit(ctx context.Context, req *Request) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	if b.cfg.MaxDepth > 0 {
		if depth, err := b.rdb.LLen(ctx, RequestQueue).Result(); err != nil {
			return "", fmt.Errorf("checking queue depth: %w", err)
		} else if depth >= b.cfg.MaxDepth {
			return "", ErrQueueFull
		}
	}

	var enc, err = json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}
	if err = b.rdb.LPush(ctx, RequestQueue, enc).Err(); err != nil {
		return "", fmt.Errorf("enqueueing request: %w", err)
	}
	return req.RequestID, nil
}

// AwaitResponse blocks until a Response for the request ID appears, the
// timeout elapses (ErrAwaitTimeout), or the context is cancelled. The first
// reader wins: an observed reply key is atomically consumed and deleted.
func (b *Bus) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (*Response, error) {
	var key = replyPrefix + requestID
	var deadline = time.Now().Add(timeout)
	var ticker = time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var raw, err = b.rdb.GetDel(ctx, key).Bytes()
		if err == nil {
			var resp = new(Response)
			if err = json.Unmarshal(raw, resp); err != nil {
				return nil, fmt.Errorf("decoding response: %w", err)
			}
			return resp, nil
		} else if err != redis.Nil {
			return nil, fmt.Errorf("reading reply key: %w", err)
		}

		if !time.Now().Before(deadline) {
			return nil, ErrAwaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PeekResponse reads a Response without consuming it, or returns nil if the
// reply key is absent (pending, already read, or expired).
func (b *Bus) PeekResponse(ctx context.Context, requestID string) (*Response, error) {
	var raw, err = b.rdb.Get(ctx, replyPrefix+requestID).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading reply key: %w", err)
	}
	var resp = new(Response)
	if err = json.Unmarshal(raw, resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

// NextRequest blocks up to |block| for the next queued Request.
// It returns (nil, nil) if none arrived. The worker is the queue's only
// authorized reader; each envelope is consumed exactly once.
func (b *Bus) NextRequest(ctx context.Context, block time.Duration) (*Request, error) {
	var vals, err = b.rdb.BRPop(ctx, block, RequestQueue).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("popping request: %w", err)
	}
	// BRPOP returns (key, value) pairs.
	var req = new(Request)
	if err = json.Unmarshal([]byte(vals[1]), req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

// Reply deposits the Response under its request's reply key with the
// configured TTL. The write is set-if-absent: a duplicate reply for the same
// request is dropped, keeping replies at-most-once.
func (b *Bus) Reply(ctx context.Context, resp *Response) error {
	var enc, err = json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	set, err := b.rdb.SetNX(ctx, replyPrefix+resp.RequestID, enc, b.cfg.ReplyTTL).Result()
	if err != nil {
		return fmt.Errorf("writing reply key: %w", err)
	}
	if !set {
		log.WithField("requestID", resp.RequestID).Warn("dropped duplicate reply")
	}
	return nil
}

// Depth returns the number of queued, un-consumed requests.
func (b *Bus) Depth(ctx context.Context) (int64, error) {
	return b.rdb.LLen(ctx, RequestQueue).Result()
}

// Ping verifies the backing store is reachable.
func (b *Bus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

// QuoteChannel names the channel carrying quotes of the given symbol.
func QuoteChannel(symbol string) string { return quotePrefix + symbol }

// SymbolOfChannel recovers the symbol from a quote channel name.
func SymbolOfChannel(channel string) string { return strings.TrimPrefix(channel, quotePrefix) }

// PublishQuote publishes a normalized Quote on its symbol's channel.
// Delivery to subscribers is at-least-once.
func (b *Bus) PublishQuote(ctx context.Context, quote *Quote) error {
	var enc, err = json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("encoding quote: %w", err)
	}
	if err = b.rdb.Publish(ctx, QuoteChannel(quote.Symbol), enc).Err(); err != nil {
		return fmt.Errorf("publishing quote: %w", err)
	}
	return nil
}

// QuoteEvent is one frame received from a quote subscription.
type QuoteEvent struct {
	Symbol  string
	Payload []byte
}

// QuoteStream delivers QuoteEvents from one or all quote channels.
type QuoteStream struct {
	sub *redis.PubSub
	ch  chan QuoteEvent
}

// Events is the stream's delivery channel. It closes when the stream is
// closed or its context is cancelled.
func (s *QuoteStream) Events() <-chan QuoteEvent { return s.ch }

// Close tears down the subscription.
func (s *QuoteStream) Close() error { return s.sub.Close() }

// SubscribeQuotes subscribes to the channels of the given symbols.
func (b *Bus) SubscribeQuotes(ctx context.Context, symbols ...string) (*QuoteStream, error) {
	var channels = make([]string, len(symbols))
	for i, symbol := range symbols {
		channels[i] = QuoteChannel(symbol)
	}
	return b.newQuoteStream(ctx, b.rdb.Subscribe(ctx, channels...))
}

// SubscribeAllQuotes pattern-subscribes to every quote channel. It's used by
// the streaming hub, which runs a single pattern listener per process.
func (b *Bus) SubscribeAllQuotes(ctx context.Context) (*QuoteStream, error) {
	return b.newQuoteStream(ctx, b.rdb.PSubscribe(ctx, quotePrefix+"*"))
}

func (b *Bus) newQuoteStream(ctx context.Context, sub *redis.PubSub) (*QuoteStream, error) {
	// Await the subscription confirmation so callers observe no gap between
	// a successful return and the first delivered quote.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("confirming subscription: %w", err)
	}

	var stream = &QuoteStream{sub: sub, ch: make(chan QuoteEvent, 256)}
	go func() {
		defer close(stream.ch)
		for msg := range sub.Channel() {
			select {
			case stream.ch <- QuoteEvent{
				Symbol:  SymbolOfChannel(msg.Channel),
				Payload: []byte(msg.Payload),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}
