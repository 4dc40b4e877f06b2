package coral

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Reconnector
// ============================================================================

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	heartbeatInterval  = 25 * time.Second
)

// reconnector tracks exponential backoff with jitter across connection
// attempts. A connection that held for over a minute resets the ladder.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector() *reconnector {
	return &reconnector{
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Realtime client
// ============================================================================

// eventSink receives parsed events and exposes the state registry the
// connection lifecycle is mirrored into.
type eventSink interface {
	DispatchEvent(Event)
	Registry() *StateRegistry
}

// RealtimeClient maintains the websocket event stream: dial,
// heartbeat, auto-reconnect with jittered backoff, and frame parsing
// into the event union. Connection transitions are mirrored into the
// global connection state, which also arms the reconnect sync pass.
type RealtimeClient struct {
	wsURL string
	sink  eventSink
	recon *reconnector

	mu       sync.Mutex
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	stopped  bool
}

func newRealtimeClient(wsURL, token, userID string, sink eventSink) (*RealtimeClient, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return &RealtimeClient{
		wsURL: u.String(),
		sink:  sink,
		recon: newReconnector(),
	}, nil
}

// Start launches the connection loop. It returns immediately; progress
// is observable through the global connection state.
func (rt *RealtimeClient) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()
	go rt.run(runCtx)
}

// Stop closes the connection for good; no reconnect follows.
func (rt *RealtimeClient) Stop() {
	rt.mu.Lock()
	rt.stopped = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.global().setConnectionState(ConnectionOffline)
}

func (rt *RealtimeClient) global() *GlobalState {
	return rt.sink.Registry().Global()
}

func (rt *RealtimeClient) run(ctx context.Context) {
	for {
		if rt.isStopped() || ctx.Err() != nil {
			return
		}
		rt.connectOnce(ctx)
		if rt.isStopped() || ctx.Err() != nil {
			return
		}
		rt.global().setConnectionState(ConnectionOffline)
		select {
		case <-ctx.Done():
			return
		case <-time.After(rt.recon.nextDelay()):
		}
	}
}

func (rt *RealtimeClient) isStopped() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stopped
}

// connectOnce dials, then reads frames until the connection breaks.
func (rt *RealtimeClient) connectOnce(ctx context.Context) error {
	rt.global().setConnectionState(ConnectionConnecting)

	conn, _, err := websocket.Dial(ctx, rt.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	rt.conn = conn
	rt.mu.Unlock()

	rt.recon.markConnected()
	rt.global().setConnectionState(ConnectionConnected)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go rt.heartbeatLoop(hbCtx, conn)

	err = rt.readLoop(ctx, conn)

	rt.mu.Lock()
	if rt.conn == conn {
		rt.conn = nil
	}
	rt.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	return err
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := ParseEvent(data)
		if err != nil {
			// Unknown or malformed frames never break the stream.
			continue
		}
		rt.sink.DispatchEvent(ev)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, _ := json.Marshal(EventEnvelope{Type: TypeHealthCheck})
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
