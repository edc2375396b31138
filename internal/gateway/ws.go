package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"batchgofer/internal/jsonrpc"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(dispatcher *Dispatcher, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	h.logger.Info().Str("remoteAddr", r.RemoteAddr).Msg("new WebSocket connection")

	client := newWSClient(conn, h.dispatcher, h.logger.With().Str("remoteAddr", r.RemoteAddr).Logger())
	client.run(r.Context())
}

// wsClient represents one WebSocket client connection
type wsClient struct {
	conn       *websocket.Conn
	dispatcher *Dispatcher
	logger     zerolog.Logger

	sendChan  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, dispatcher *Dispatcher, logger zerolog.Logger) *wsClient {
	return &wsClient{
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger,
		sendChan:   make(chan []byte, 256),
		closeChan:  make(chan struct{}),
	}
}

// run starts the client read and write loops
func (c *wsClient) run(ctx context.Context) {
	c.conn.SetReadLimit(maxBodySize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *wsClient) readPump(ctx context.Context) {
	defer c.close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		go c.handleMessage(ctx, data)
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage serves one incoming message, single request or batch
func (c *wsClient) handleMessage(ctx context.Context, data []byte) {
	requests, isBatch, err := jsonrpc.ParseBatchRequest(data)
	if err != nil {
		c.send(jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrParse))
		return
	}

	responses := make([]*jsonrpc.Response, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req *jsonrpc.Request) {
			defer wg.Done()
			responses[i] = c.dispatcher.Dispatch(ctx, req)
		}(i, req)
	}
	wg.Wait()

	if isBatch {
		c.send(responses)
		return
	}
	c.send(responses[0])
}

func (c *wsClient) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to marshal response")
		return
	}

	select {
	case c.sendChan <- data:
	case <-c.closeChan:
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.conn.Close()
	})
}
