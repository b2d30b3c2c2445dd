// Package session owns the persistent connection to the key access service:
// the ECDH handshake, liveness probing, the receive loop, rewrap request
// correlation, and replay of parked envelopes. One Client survives any
// number of connections; each connection gets fresh session key material.
package session

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealed_chat/internal/cryptographic/dh"
	"sealed_chat/internal/protocol/frame"
	"sealed_chat/internal/protocol/nanotdf"
	"sealed_chat/internal/protocol/rewrap"
	"sealed_chat/internal/repository/queue"
	"sealed_chat/internal/service/router"
	"sealed_chat/internal/utils/log"
)

var (
	// ErrHandshake marks a failed handshake step; the client disconnects
	// and retries after the reconnect delay.
	ErrHandshake = errors.New("session: handshake failed")
	// ErrNotConnected is any operation attempted without a live session.
	ErrNotConnected = errors.New("session: not connected")
	// ErrRewrapTimeout is a key request the service never answered.
	ErrRewrapTimeout = errors.New("session: rewrap request timed out")
)

// State is the connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	writeWait     = 5 * time.Second
	handshakeWait = 10 * time.Second
)

type (
	// Config tunes one Client.
	Config struct {
		// URL is the ws:// or wss:// endpoint of the key access service.
		URL string
		// Bearer, when set, is presented as the Authorization credential.
		Bearer string
		// Agent is the handle announced when dialing.
		Agent string

		// Heartbeat is the ping cadence; a connection missing two
		// consecutive pongs is torn down.
		Heartbeat time.Duration
		// ReconnectDelay is the fixed delay between reconnect attempts.
		ReconnectDelay time.Duration
		// RewrapTimeout bounds how long a key request stays outstanding.
		RewrapTimeout time.Duration
		// ReplayInterval is the cadence of queue replay attempts.
		ReplayInterval time.Duration
		// MaxInflight bounds concurrent decrypt/dispatch tasks.
		MaxInflight int

		// OnState, when set, observes every state transition.
		OnState func(State)
	}

	// Client is the confidential-messaging transport.
	Client struct {
		cfg    Config
		cache  *KASKeyCache
		queue  *queue.Queue
		router *router.Router

		// Client ephemeral pair, generated once per Client, never
		// persisted.
		priv *ecdh.PrivateKey

		mu        sync.Mutex
		conn      *websocket.Conn
		state     State
		unwrapKey []byte

		writeMu sync.Mutex

		pendingMu sync.Mutex
		pending   map[string]*pendingRewrap

		watchersMu sync.Mutex
		watchers   []chan<- State

		decryptSem chan struct{}
		replayCh   chan struct{}

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

func (cfg *Config) fixup() {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.RewrapTimeout == 0 {
		cfg.RewrapTimeout = 10 * time.Second
	}
	if cfg.ReplayInterval == 0 {
		cfg.ReplayInterval = 30 * time.Second
	}
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = 8
	}
}

// New builds a Client. The queue may be nil, in which case unprocessable
// envelopes are dropped instead of parked. A nil cache gets a private one;
// passing a shared cache lets several clients reuse the service key.
func New(cfg Config, cache *KASKeyCache, q *queue.Queue, rt *router.Router) (*Client, error) {
	cfg.fixup()
	if cache == nil {
		cache = NewKASKeyCache()
	}
	if rt == nil {
		rt = router.New(router.Handlers{})
	}

	priv, err := dh.NewP256KeyPair()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		cache:      cache,
		queue:      q,
		router:     rt,
		priv:       priv,
		state:      StateDisconnected,
		pending:    make(map[string]*pendingRewrap),
		decryptSem: make(chan struct{}, cfg.MaxInflight),
		replayCh:   make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the connect and replay workers.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.connectWorker()
	go c.replayWorker()
}

// Shutdown tears the connection down and waits for every worker. Pending
// key requests resolve with ErrNotConnected.
func (c *Client) Shutdown() {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	c.wg.Wait()
	c.failAllPending(ErrNotConnected)
	c.setState(StateDisconnected)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Notify registers a state watcher. Transitions are delivered with a
// non-blocking send, so the channel should be buffered.
func (c *Client) Notify(ch chan<- State) {
	c.watchersMu.Lock()
	defer c.watchersMu.Unlock()
	c.watchers = append(c.watchers, ch)
}

// KASKey returns the cached service public key, nil before the first
// completed handshake.
func (c *Client) KASKey() *ecdh.PublicKey {
	return c.cache.Get()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.watchersMu.Lock()
	watchers := append([]chan<- State(nil), c.watchers...)
	c.watchersMu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- s:
		default:
		}
	}
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// Send transmits a sealed envelope as a direct message or an event.
func (c *Client) Send(env *nanotdf.Envelope, asEvent bool) error {
	var f frame.Frame
	if asEvent {
		f = &frame.SealedEvent{Envelope: env.Bytes()}
	} else {
		f = &frame.Sealed{Envelope: env.Bytes()}
	}
	return c.writeFrame(f)
}

func (c *Client) writeFrame(f frame.Frame) error {
	c.mu.Lock()
	conn, st := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || st != StateConnected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, f.ToBytes())
}

// connectWorker dials, handshakes, and serves one connection at a time,
// retrying with a constant delay until shutdown.
func (c *Client) connectWorker() {
	defer c.wg.Done()

	op := func() error {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		err := c.runConnection()
		if err == nil || c.ctx.Err() != nil {
			return nil
		}
		log.Warn("session lost", zap.Error(err))
		return err
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), c.ctx)
	_ = backoff.Retry(op, bo)
}

// runConnection performs one full connection lifetime: dial, handshake,
// serve. It returns the terminal error, nil only on shutdown.
func (c *Client) runConnection() error {
	c.setState(StateConnecting)

	conn, err := c.dial()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	unwrapKey, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.unwrapKey = unwrapKey
	c.mu.Unlock()
	c.setState(StateConnected)
	log.Info("session established", zap.String("agent", c.cfg.Agent))

	// Liveness: ping on a fixed cadence, pongs push the read deadline out.
	conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})
	hbDone := make(chan struct{})
	c.wg.Add(1)
	go c.heartbeat(conn, hbDone)

	c.kickReplay()

	err = c.receiveLoop(conn)

	close(hbDone)
	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.unwrapKey = nil
	c.mu.Unlock()
	c.failAllPending(ErrNotConnected)
	c.setState(StateDisconnected)

	if c.ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("session: bad URL: %w", err)
	}
	q := u.Query()
	q.Set("agent", c.cfg.Agent)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.Bearer != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Bearer)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// handshake runs the client half of the key exchange and returns the
// session unwrap key:
//
//	<- service session public key + salt
//	-> client public key
//	-> service key request
//	<- service long-lived public key
func (c *Client) handshake(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeWait))

	f, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("await session key: %v", err)
	}
	sk, ok := f.(*frame.SessionKey)
	if !ok || sk.Salt == nil {
		return nil, fmt.Errorf("expected session key and salt, got %T", f)
	}
	peer, err := dh.ParseCompressed(sk.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("session public key: %v", err)
	}
	secret, err := dh.SharedSecret(c.priv, peer)
	if err != nil {
		return nil, err
	}
	unwrapKey, err := rewrap.SessionUnwrapKey(secret, sk.Salt)
	if err != nil {
		return nil, err
	}

	mine := &frame.SessionKey{PublicKey: dh.Compress(c.priv.PublicKey())}
	if err := conn.WriteMessage(websocket.BinaryMessage, mine.ToBytes()); err != nil {
		return nil, fmt.Errorf("send public key: %v", err)
	}
	req := &frame.KASKeyRequest{}
	if err := conn.WriteMessage(websocket.BinaryMessage, req.ToBytes()); err != nil {
		return nil, fmt.Errorf("request service key: %v", err)
	}

	f, err = readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("await service key: %v", err)
	}
	resp, ok := f.(*frame.KASKeyResponse)
	if !ok {
		return nil, fmt.Errorf("expected service key, got %T", f)
	}
	kasPub, err := dh.ParseCompressed(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("service public key: %v", err)
	}
	c.cacheKASKey(kasPub)

	return unwrapKey, nil
}

// cacheKASKey retains the first service key seen; a different key later is
// suspicious and is not adopted.
func (c *Client) cacheKASKey(k *ecdh.PublicKey) {
	if cached := c.cache.Get(); cached != nil {
		if !cached.Equal(k) {
			log.Warn("service key changed, keeping cached key",
				zap.String("security", "kas_key_mismatch"))
		}
		return
	}
	c.cache.Set(k)
}

func readFrame(conn *websocket.Conn) (frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return frame.Decode(data)
}

func (c *Client) pongWait() time.Duration {
	return 2 * c.cfg.Heartbeat
}

func (c *Client) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				// Failing the probe tears the whole connection down.
				conn.Close()
				return
			}
		}
	}
}

// receiveLoop processes frames in arrival order until the connection dies.
// Sealed envelopes move to bounded side tasks so a slow decrypt never holds
// up the next frame.
func (c *Client) receiveLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		f, err := frame.Decode(data)
		if err != nil {
			log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch f := f.(type) {
		case *frame.Rewrapped:
			c.handleRewrapped(f)
		case *frame.Sealed:
			c.dispatchSealed(f.Envelope, byte(frame.TypeSealed))
		case *frame.SealedEvent:
			c.dispatchSealed(f.Envelope, byte(frame.TypeSealedEvent))
		case *frame.KASKeyResponse:
			if k, err := dh.ParseCompressed(f.PublicKey); err == nil {
				c.cacheKASKey(k)
			}
		case *frame.Custom:
			if err := c.router.RouteCustom(f.Code, f.Body); err != nil {
				log.Warn("dropping custom frame", zap.Uint8("code", f.Code), zap.Error(err))
			}
		default:
			log.Debug("ignoring unexpected frame", zap.Uint8("type", byte(f.Type())))
		}
	}
}

// dispatchSealed hands an inbound envelope to the bounded decrypt pool.
func (c *Client) dispatchSealed(raw []byte, kind byte) {
	select {
	case c.decryptSem <- struct{}{}:
	case <-c.ctx.Done():
		c.park(raw, kind, c.ctx.Err())
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.decryptSem }()

		if err := c.handleSealed(raw, kind); err != nil {
			c.park(raw, kind, err)
		}
	}()
}

// handleSealed runs the full inbound pipeline: parse, verify, obtain the
// content key, decrypt, classify, route. A nil return means the envelope is
// finished with, routed or definitively dropped; an error return means the
// failure is transient and the envelope is worth retrying later.
func (c *Client) handleSealed(raw []byte, kind byte) error {
	env, err := nanotdf.Parse(raw)
	if err != nil {
		if errors.Is(err, nanotdf.ErrNotSealed) {
			log.Debug("ignoring non-envelope payload")
		} else {
			log.Warn("dropping corrupt envelope", zap.Error(err))
		}
		return nil
	}

	if err := env.VerifySignature(); err != nil {
		log.Error("dropping envelope with bad signature",
			zap.String("security", "signature_mismatch"), zap.Error(err))
		return nil
	}

	key, err := c.RequestKey(c.ctx, env)
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrRewrapTimeout), errors.Is(err, context.Canceled):
		return err
	case err != nil:
		log.Warn("dropping envelope, key request failed", zap.Error(err))
		return nil
	case key == nil:
		log.Info("access denied for envelope",
			zap.String("category", router.Classify(&env.Policy).String()))
		return nil
	}

	plaintext, err := env.Decrypt(key)
	if err != nil {
		log.Error("dropping envelope, payload authentication failed",
			zap.String("security", "tag_mismatch"), zap.Error(err))
		return nil
	}

	cat := router.Classify(&env.Policy)
	if err := c.router.Route(cat, plaintext, env); err != nil {
		if errors.Is(err, router.ErrNoHandler) {
			log.Warn("dropping envelope, no handler", zap.String("category", cat.String()))
			return nil
		}
		// A failing handler may recover; keep the envelope around.
		log.Warn("handler failed", zap.String("category", cat.String()), zap.Error(err))
		return err
	}
	return nil
}

// park stores an envelope that failed transiently in the durable queue.
func (c *Client) park(raw []byte, kind byte, cause error) {
	if c.queue == nil {
		log.Warn("dropping envelope, no queue configured", zap.Error(cause))
		return
	}
	id, err := c.queue.Enqueue(raw, kind, streamID(raw))
	if err != nil {
		log.Error("envelope lost, queue rejected it", zap.Error(err))
		return
	}
	log.Debug("parked envelope", zap.String("id", id), zap.Error(cause))
}

// handleRewrapped resolves the pending key request correlated by the
// response's identifier. Resolution never blocks the receive loop.
func (c *Client) handleRewrapped(f *frame.Rewrapped) {
	id := string(f.Identifier)

	resp, err := rewrap.Split(f.Wrapped)
	switch {
	case errors.Is(err, rewrap.ErrDenied):
		c.resolve(id, nil, nil)
		return
	case err != nil:
		if !c.resolve(id, nil, err) {
			log.Warn("malformed rewrap response for unknown request", zap.Error(err))
		}
		return
	}

	c.mu.Lock()
	unwrapKey := c.unwrapKey
	c.mu.Unlock()

	key, err := rewrap.UnwrapContentKey(unwrapKey, resp)
	if err != nil {
		log.Error("rewrap response failed authentication",
			zap.String("security", "tag_mismatch"), zap.Error(err))
		// The caller gets a plain no-key result; the alert lives in the log.
		c.resolve(id, nil, nil)
		return
	}
	c.resolve(id, key, nil)
}

func (c *Client) kickReplay() {
	select {
	case c.replayCh <- struct{}{}:
	default:
	}
}
