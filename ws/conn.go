// Package ws provides the production Transport: a gorilla-websocket
// binding to a devtools endpoint speaking the debugging protocol.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"

	"github.com/treewalk/cdpsession/log"
	"github.com/treewalk/cdpsession/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	wsBufferSize     = 1 << 20
	sendQueueSize    = 32
	encodePoolSize   = 16
	closeGracePeriod = time.Second
)

// Conn is a websocket-backed transport for protocol messages. One Conn
// serves one target binding.
type Conn struct {
	ws     *websocket.Conn
	logger *log.Logger

	sendCh chan *protocol.Message
	recvCh chan *protocol.Message
	done   chan struct{}

	closeOnce sync.Once
	downOnce  sync.Once
	closeErr  error

	bufpool *bpool.BufferPool
}

// Dial connects to the devtools websocket URL and starts the read and
// write loops.
func Dial(ctx context.Context, devtoolsURL string, logger *log.Logger) (*Conn, error) {
	if logger == nil {
		logger = log.NullLogger()
	}
	wd := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := wd.DialContext(ctx, devtoolsURL, http.Header{})
	if err != nil {
		return nil, errors.Wrapf(err, "dialing devtools URL %q", devtoolsURL)
	}
	logger.Infof("ws", "established connection to %q", devtoolsURL)

	c := &Conn{
		ws:      conn,
		logger:  logger,
		sendCh:  make(chan *protocol.Message, sendQueueSize),
		recvCh:  make(chan *protocol.Message),
		done:    make(chan struct{}),
		bufpool: bpool.NewBufferPool(encodePoolSize),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Send queues one message for delivery to the endpoint.
func (c *Conn) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.done:
		return protocol.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv yields responses and events as the endpoint produces them.
func (c *Conn) Recv() <-chan *protocol.Message { return c.recvCh }

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close performs the websocket close handshake and tears the loops down.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		c.closeErr = c.ws.Close()
		c.markDown()
	})
	return c.closeErr
}

func (c *Conn) markDown() {
	c.downOnce.Do(func() { close(c.done) })
}

func (c *Conn) readLoop() {
	defer c.markDown()
	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) && !errors.Is(err, net.ErrClosed) {
				c.logger.Errorf("ws:readLoop", "reading message: %v", err)
			}
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(buf, &msg); err != nil {
			c.logger.Errorf("ws:readLoop", "unmarshaling message: %v", err)
			continue
		}
		select {
		case c.recvCh <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			buf := c.bufpool.Get()
			err := json.NewEncoder(buf).Encode(msg)
			if err != nil {
				c.bufpool.Put(buf)
				c.logger.Errorf("ws:writeLoop", "marshaling message id:%d: %v", msg.ID, err)
				continue
			}
			err = c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
			c.bufpool.Put(buf)
			if err != nil {
				c.logger.Errorf("ws:writeLoop", "writing message id:%d: %v", msg.ID, err)
				c.markDown()
				return
			}
		case <-c.done:
			return
		}
	}
}
