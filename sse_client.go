package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tmaxmax/go-sse"
)

// SSEClientState describes where a session sits in its connection lifecycle.
type SSEClientState int32

// SSEClientState values.
const (
	SSEStateConnecting SSEClientState = iota
	SSEStateConnected
	SSEStateReconnecting
	SSEStateClosed
)

// SSEClient implements a Server-Sent Events (SSE) client transport. Inbound
// messages arrive on a long-lived GET event stream; outbound messages are
// POSTed independently to the request endpoint, where an accepted-but-empty
// reply means the answer, if any, arrives later on the event stream.
//
// The session supervises its own liveness: any activity on the event stream,
// heartbeat comments included, resets a watchdog, and a silent stream is
// torn down and reconnected with exponential backoff up to a bounded attempt
// budget. Instances should be created using NewSSEClient.
type SSEClient struct {
	eventURL   string
	requestURL string
	httpClient *http.Client
	sender     *retryablehttp.Client
	logger     *slog.Logger

	clientID string

	connectTimeout    time.Duration
	eventTimeout      time.Duration
	retryInterval     time.Duration
	maxRetries        int
	unboundedRetries  bool
	requestTimeout    time.Duration
	requestRetries    int
	requestRetryDelay time.Duration
	maxPayloadSize    int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// SSEClientSession is the session produced by SSEClient.StartSession. It is
// exported so callers can observe the connection state; all communication
// happens through the Session interface.
type SSEClientSession struct {
	client *SSEClient
	id     string

	messages chan JSONRPCMessage
	state    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
	closed   chan struct{}
}

var (
	defaultSSEClientConnectTimeout    = 10 * time.Second
	defaultSSEClientEventTimeout      = 90 * time.Second
	defaultSSEClientRetryInterval     = time.Second
	defaultSSEClientMaxRetries        = 5
	defaultSSEClientRequestTimeout    = 30 * time.Second
	defaultSSEClientRequestRetries    = 2
	defaultSSEClientRequestRetryDelay = time.Second
)

// NewSSEClient creates an SSE client that receives events from eventURL and
// POSTs outbound messages to requestURL. The client must call StartSession
// to begin communication.
func NewSSEClient(eventURL, requestURL string, options ...SSEClientOption) *SSEClient {
	s := &SSEClient{
		eventURL:   eventURL,
		requestURL: requestURL,
		httpClient: http.DefaultClient,
		logger:     slog.Default().With(slog.String("component", "sse-client")),
		clientID:   uuid.New().String(),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.connectTimeout == 0 {
		s.connectTimeout = defaultSSEClientConnectTimeout
	}
	if s.eventTimeout == 0 {
		s.eventTimeout = defaultSSEClientEventTimeout
	}
	if s.retryInterval == 0 {
		s.retryInterval = defaultSSEClientRetryInterval
	}
	if s.maxRetries == 0 {
		s.maxRetries = defaultSSEClientMaxRetries
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = defaultSSEClientRequestTimeout
	}
	if s.requestRetries == 0 {
		s.requestRetries = defaultSSEClientRequestRetries
	}
	if s.requestRetryDelay == 0 {
		s.requestRetryDelay = defaultSSEClientRequestRetryDelay
	}

	// Outbound POSTs retry a bounded number of times with a fixed
	// inter-attempt delay, so the backoff is pinned to the configured wait.
	sender := retryablehttp.NewClient()
	sender.HTTPClient = s.httpClient
	sender.RetryMax = s.requestRetries
	sender.RetryWaitMin = s.requestRetryDelay
	sender.RetryWaitMax = s.requestRetryDelay
	sender.Backoff = func(minWait, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return minWait
	}
	sender.Logger = nil
	s.sender = sender

	return s
}

// WithSSEClientHTTPClient sets the HTTP client used for both the event
// stream and outbound requests.
func WithSSEClientHTTPClient(cli *http.Client) SSEClientOption {
	return func(s *SSEClient) {
		s.httpClient = cli
	}
}

// WithSSEClientLogger sets the logger for the client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(slog.String("component", "sse-client"))
	}
}

// WithSSEClientConnectTimeout bounds how long one connection attempt may
// wait for the event stream headers.
func WithSSEClientConnectTimeout(timeout time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		s.connectTimeout = timeout
	}
}

// WithSSEClientEventTimeout sets the liveness watchdog: a stream with no
// activity for this long is torn down and reconnected.
func WithSSEClientEventTimeout(timeout time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		s.eventTimeout = timeout
	}
}

// WithSSEClientRetryInterval sets the base reconnection delay. The delay for
// attempt n is the base doubled per previous attempt, capped at 2^10 bases.
func WithSSEClientRetryInterval(interval time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		s.retryInterval = interval
	}
}

// WithSSEClientMaxRetries sets how many consecutive reconnection attempts
// are made before the session gives up and signals closure.
func WithSSEClientMaxRetries(n int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxRetries = n
	}
}

// WithSSEClientUnboundedRetries opts in to reconnecting forever instead of
// stopping after the configured attempt budget.
func WithSSEClientUnboundedRetries() SSEClientOption {
	return func(s *SSEClient) {
		s.unboundedRetries = true
	}
}

// WithSSEClientRequestTimeout bounds a single outbound request, retries
// included.
func WithSSEClientRequestTimeout(timeout time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		s.requestTimeout = timeout
	}
}

// WithSSEClientRequestRetries sets the retry count and the fixed delay
// between attempts for outbound POSTs.
func WithSSEClientRequestRetries(count int, delay time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		s.requestRetries = count
		s.requestRetryDelay = delay
	}
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event
// accepted from the server.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// StartSession implements the ClientTransport interface. The session is
// usable immediately; the event stream is established in the background and
// connection failures feed the reconnection supervisor rather than being
// returned here.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sess := &SSEClientSession{
		client:   s,
		id:       uuid.New().String(),
		messages: make(chan JSONRPCMessage),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	sess.state.Store(int32(SSEStateConnecting))

	go sess.run()

	return sess, nil
}

// ID implements the Session interface.
func (s *SSEClientSession) ID() string { return s.id }

// State returns the session's current position in the connection lifecycle.
func (s *SSEClientSession) State() SSEClientState {
	return SSEClientState(s.state.Load())
}

// Send transmits a message to the server through an independent HTTP POST,
// retrying a bounded number of times with a fixed delay. A 200, 202, or 204
// reply means the message was accepted; any answer arrives later on the
// event stream.
func (s *SSEClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sCtx, sCancel := context.WithTimeout(ctx, s.client.requestTimeout)
	defer sCancel()

	req, err := retryablehttp.NewRequestWithContext(sCtx, http.MethodPost, s.client.requestURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", s.client.clientID)
	req.Header.Set("X-Session-ID", s.id)

	resp, err := s.client.sender.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

// Messages implements the Session interface. The iteration ends when the
// session closes, either explicitly or because the retry budget ran out.
func (s *SSEClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// Stop implements the Session interface. It halts reconnection, cancels the
// watchdog and any in-flight connection attempt, and waits for the
// supervisor to release the stream. Closure is signalled exactly once via
// the Messages iteration ending.
func (s *SSEClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		<-s.closed
	})
}

func (s *SSEClientSession) run() {
	defer close(s.closed)
	defer close(s.messages)
	defer s.state.Store(int32(SSEStateClosed))

	attempts := 0

	for {
		if s.ctx.Err() != nil {
			return
		}

		resp, cancel, err := s.connect()
		if err == nil {
			attempts = 0
			s.state.Store(int32(SSEStateConnected))
			s.consume(resp.Body, cancel)
			if s.ctx.Err() != nil {
				return
			}
		} else {
			if s.ctx.Err() != nil {
				return
			}
			s.client.logger.Warn("failed to connect to event stream", slog.String("err", err.Error()))
		}

		s.state.Store(int32(SSEStateReconnecting))

		if !s.client.unboundedRetries && attempts >= s.client.maxRetries {
			s.client.logger.Error("reconnection attempt budget exhausted, closing session",
				slog.Int("attempts", attempts))
			return
		}

		delay := backoffDelay(s.client.retryInterval, attempts)
		attempts++
		s.client.logger.Info("scheduling reconnect",
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// backoffDelay doubles the base delay per previous attempt, capping the
// exponent at 10.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	return base * time.Duration(1<<uint(attempts))
}

func (s *SSEClientSession) connect() (*http.Response, context.CancelFunc, error) {
	attemptCtx, cancel := context.WithCancel(s.ctx)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, s.client.eventURL, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Client-ID", s.client.clientID)
	req.Header.Set("X-Session-ID", s.id)

	type dialResult struct {
		resp *http.Response
		err  error
	}
	results := make(chan dialResult)

	go func() {
		resp, err := s.client.httpClient.Do(req)
		select {
		case results <- dialResult{resp: resp, err: err}:
		case <-attemptCtx.Done():
			if resp != nil {
				resp.Body.Close()
			}
		}
	}()

	connectTimer := time.NewTimer(s.client.connectTimeout)
	defer connectTimer.Stop()

	select {
	case <-s.ctx.Done():
		cancel()
		return nil, nil, s.ctx.Err()
	case <-connectTimer.C:
		cancel()
		return nil, nil, errors.New("timed out waiting for event stream")
	case r := <-results:
		if r.err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to connect to event stream: %w", r.err)
		}
		if r.resp.StatusCode != http.StatusOK {
			r.resp.Body.Close()
			cancel()
			return nil, nil, fmt.Errorf("unexpected status code: %d", r.resp.StatusCode)
		}
		return r.resp, cancel, nil
	}
}

// consume reads the event stream until it is interrupted, the watchdog
// expires, or the session stops. Returning from consume releases the stream
// and hands control back to the reconnection supervisor.
func (s *SSEClientSession) consume(body io.ReadCloser, cancel context.CancelFunc) {
	defer cancel()
	defer body.Close()

	activity := make(chan struct{}, 1)
	events := make(chan sse.Event)
	readErrs := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	var config *sse.ReadConfig
	if s.client.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: s.client.maxPayloadSize}
	}

	go func() {
		defer close(events)
		for ev, err := range sse.Read(activityReader{r: body, activity: activity}, config) {
			if err != nil {
				select {
				case readErrs <- err:
				default:
				}
				return
			}
			select {
			case events <- ev:
			case <-quit:
				return
			}
		}
	}()

	watchdog := time.NewTimer(s.client.eventTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-watchdog.C:
			s.client.logger.Warn("no activity on event stream within timeout",
				slog.Duration("timeout", s.client.eventTimeout))
			return
		case <-activity:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(s.client.eventTimeout)
		case err := <-readErrs:
			if !errors.Is(err, context.Canceled) {
				s.client.logger.Warn("event stream interrupted", slog.String("err", err.Error()))
			}
			return
		case ev, ok := <-events:
			if !ok {
				s.client.logger.Info("event stream ended")
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *SSEClientSession) handleEvent(ev sse.Event) {
	switch ev.Type {
	case "", "message":
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			// Malformed events are dropped, never fatal to the stream.
			s.client.logger.Error("failed to unmarshal message", "err", err)
			return
		}
		select {
		case s.messages <- msg:
		case <-s.done:
		}
	default:
		s.client.logger.Warn("unhandled event type", slog.String("type", ev.Type))
	}
}

// activityReader pokes the liveness channel whenever bytes arrive, so
// heartbeat comments count as activity even though the SSE parser never
// surfaces them as events.
type activityReader struct {
	r        io.Reader
	activity chan<- struct{}
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		select {
		case a.activity <- struct{}{}:
		default:
		}
	}
	return n, err
}
