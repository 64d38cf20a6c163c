// Package feed connects the engine to live market data: the upstream
// detector websocket carrying Solana pool state, and the Redis stream
// carrying EVM quotes for cross-chain matching.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbnet/coordinator/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	handshakeTimeout = 15 * time.Second
)

// Wire shapes published by the upstream detector.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsToken struct {
	Mint     string `json:"mint"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type wsPool struct {
	Address     string  `json:"address"`
	ProgramID   string  `json:"programId"`
	Dex         string  `json:"dex"`
	Chain       string  `json:"chain"`
	Token0      wsToken `json:"token0"`
	Token1      wsToken `json:"token1"`
	FeeBps      int     `json:"feeBps"`
	Reserve0    float64 `json:"reserve0"`
	Reserve1    float64 `json:"reserve1"`
	Price       float64 `json:"price"`
	BlockNumber int64   `json:"blockNumber"`
	LastUpdated int64   `json:"lastUpdated"`
}

type wsPrice struct {
	Chain       string  `json:"chain"`
	Dex         string  `json:"dex"`
	PoolAddress string  `json:"poolAddress"`
	Token0      string  `json:"token0"`
	Token1      string  `json:"token1"`
	Price       float64 `json:"price"`
	Reserve0    float64 `json:"reserve0"`
	Reserve1    float64 `json:"reserve1"`
	FeeBps      int     `json:"feeBps"`
	BlockNumber int64   `json:"blockNumber"`
	Timestamp   int64   `json:"timestamp"`
}

type wsRemoved struct {
	Address string `json:"address"`
}

type wsCommand struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// DetectorWS subscribes to the upstream detector's websocket and implements
// domain.UpdateSource over it. It manages the connection lifecycle, restores
// the subscription on reconnect, and dispatches messages to registered
// handlers.
type DetectorWS struct {
	url string
	log *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	handlerMu     sync.RWMutex
	nextHandlerID int
	poolHandlers  map[int]domain.PoolUpdateHandler
	priceHandlers map[int]domain.PriceUpdateHandler
	goneHandlers  map[int]domain.PoolRemovedHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewDetectorWS creates a client for the given detector websocket endpoint,
// e.g. "wss://detector.internal/ws/pools".
func NewDetectorWS(url string, log *slog.Logger) *DetectorWS {
	return &DetectorWS{
		url:           url,
		log:           log.With(slog.String("component", "detector-ws")),
		poolHandlers:  make(map[int]domain.PoolUpdateHandler),
		priceHandlers: make(map[int]domain.PriceUpdateHandler),
		goneHandlers:  make(map[int]domain.PoolRemovedHandler),
		done:          make(chan struct{}),
	}
}

// Connect establishes the websocket connection and subscribes to the pool
// and price channels.
func (w *DetectorWS) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("feed: detector ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("feed: detector ws connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	if err := w.sendCommand(wsCommand{Type: "subscribe", Channels: []string{"pools", "prices"}}); err != nil {
		return fmt.Errorf("feed: detector ws subscribe: %w", err)
	}
	return nil
}

// Run connects and holds the feed open until ctx is canceled. Reconnects
// happen inside the read loop; Run only returns on shutdown.
func (w *DetectorWS) Run(ctx context.Context) error {
	if err := w.Connect(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		_ = w.Close()
		return ctx.Err()
	case <-w.done:
		return nil
	}
}

// Close shuts down the connection and stops the read loop.
func (w *DetectorWS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// OnPoolUpdate registers a handler for full pool records. The returned
// func unregisters it.
func (w *DetectorWS) OnPoolUpdate(h domain.PoolUpdateHandler) func() {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	id := w.nextHandlerID
	w.nextHandlerID++
	w.poolHandlers[id] = h
	return func() {
		w.handlerMu.Lock()
		delete(w.poolHandlers, id)
		w.handlerMu.Unlock()
	}
}

// OnPriceUpdate registers a handler for lightweight price ticks.
func (w *DetectorWS) OnPriceUpdate(h domain.PriceUpdateHandler) func() {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	id := w.nextHandlerID
	w.nextHandlerID++
	w.priceHandlers[id] = h
	return func() {
		w.handlerMu.Lock()
		delete(w.priceHandlers, id)
		w.handlerMu.Unlock()
	}
}

// OnPoolRemoved registers a handler for pool removals.
func (w *DetectorWS) OnPoolRemoved(h domain.PoolRemovedHandler) func() {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	id := w.nextHandlerID
	w.nextHandlerID++
	w.goneHandlers[id] = h
	return func() {
		w.handlerMu.Lock()
		delete(w.goneHandlers, id)
		w.handlerMu.Unlock()
	}
}

// sendCommand sends a JSON command. Caller must hold w.mu.
func (w *DetectorWS) sendCommand(cmd wsCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages and dispatches them until disconnect or shutdown.
// On disconnect it hands off to reconnect and exits; Connect starts a fresh
// loop.
func (w *DetectorWS) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.log.Warn("detector ws disconnected, reconnecting", slog.Any("error", err))
			w.reconnect()
			return
		}

		w.handleMessage(message)
	}
}

// pingLoop keeps the connection alive.
func (w *DetectorWS) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage routes one raw message by its envelope event. Unparseable
// messages are dropped silently; the upstream mixes in frames this service
// does not model.
func (w *DetectorWS) handleMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Event {
	case "pool_update":
		var p wsPool
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		pool := domain.Pool{
			Address:     p.Address,
			ProgramID:   p.ProgramID,
			Dex:         p.Dex,
			Chain:       p.Chain,
			Token0:      domain.TokenInfo{Mint: p.Token0.Mint, Symbol: p.Token0.Symbol, Decimals: p.Token0.Decimals},
			Token1:      domain.TokenInfo{Mint: p.Token1.Mint, Symbol: p.Token1.Symbol, Decimals: p.Token1.Decimals},
			FeeBps:      p.FeeBps,
			Reserve0:    p.Reserve0,
			Reserve1:    p.Reserve1,
			Price:       p.Price,
			BlockNumber: p.BlockNumber,
			LastUpdated: p.LastUpdated,
		}
		w.handlerMu.RLock()
		handlers := make([]domain.PoolUpdateHandler, 0, len(w.poolHandlers))
		for _, h := range w.poolHandlers {
			handlers = append(handlers, h)
		}
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(pool)
		}

	case "price_update":
		var p wsPrice
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		update := domain.PriceUpdate{
			Chain:       p.Chain,
			Dex:         p.Dex,
			PoolAddress: p.PoolAddress,
			Token0:      p.Token0,
			Token1:      p.Token1,
			Price:       p.Price,
			Reserve0:    p.Reserve0,
			Reserve1:    p.Reserve1,
			FeeBps:      p.FeeBps,
			BlockNumber: p.BlockNumber,
			Timestamp:   p.Timestamp,
		}
		w.handlerMu.RLock()
		handlers := make([]domain.PriceUpdateHandler, 0, len(w.priceHandlers))
		for _, h := range w.priceHandlers {
			handlers = append(handlers, h)
		}
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(update)
		}

	case "pool_removed":
		var p wsRemoved
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Address == "" {
			return
		}
		w.handlerMu.RLock()
		handlers := make([]domain.PoolRemovedHandler, 0, len(w.goneHandlers))
		for _, h := range w.goneHandlers {
			handlers = append(handlers, h)
		}
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(p.Address)
		}
	}
}

// reconnect re-establishes the connection with exponential backoff. Blocks
// until successful or the client is closed.
func (w *DetectorWS) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			w.log.Info("detector ws reconnected")
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Compile-time interface check.
var _ domain.UpdateSource = (*DetectorWS)(nil)
