// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/ajaxchan/pkg/queue"
)

const (
	sendBuffSize = 32               // Buffer size of channel for sending data to clients
	readLimit    = 1 << 20          // Largest message accepted from a client
	writeWait    = 10 * time.Second // Time allowed to write a message to a client
	closeWait    = 5 * time.Second  // Time allowed for running requests to finish once a client leaves
)

// client is a connection to the server.
// Each client owns a scheduler, so its channels are independent of other clients'.
type client struct {
	id            uint64
	conn          *websocket.Conn
	srv           *Server
	scheduler     *queue.Scheduler
	events        chan Message  // Messages sent here will be serialized and written to the client
	done          chan struct{} // Closed when the client is stopped
	stopOnce      sync.Once
	stoppedReason string
	lastSeen      atomic.Int64 // Unix nanoseconds
	log           *logrus.Entry
}

// serveClient upgrades a request to a websocket, and serves it until the client leaves.
func (srv *Server) serveClient(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an error.
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Warn("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{
		conn:   conn,
		srv:    srv,
		events: make(chan Message, sendBuffSize),
		done:   make(chan struct{}),
	}
	c.touch()
	srv.registry.add(c)
	c.log = srv.Log.WithFields(logrus.Fields{
		"client_id":   c.id,
		"remote_addr": r.RemoteAddr,
	})
	c.scheduler = queue.New(
		queue.WithLogger(srv.Log),
		queue.WithDefaultTimeouts(srv.RequestTimeout, srv.ProcessingTimeout),
		queue.WithDefaultChannel(srv.DefaultChannel),
		queue.WithObserver(srv.observer),
	)
	srv.metrics.ClientConnected()
	c.log.Info("Client connected")

	finished := make(chan struct{})
	go c.sendLoop(finished)
	c.receive()
	<-finished

	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	if err := c.scheduler.Close(ctx); err != nil {
		c.log.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Requests still running after the client left")
	}
	cancel()

	srv.registry.remove(c)
	srv.metrics.ClientDisconnected()
	c.log.WithFields(logrus.Fields{
		"reason": c.stoppedReason,
	}).Info("Client disconnected")
}

// sendLoop writes messages sent on c.events to the connection.
// Once the client is stopped, messages already queued are flushed, and the connection is closed.
func (c *client) sendLoop(finished chan<- struct{}) {
	defer close(finished)
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.events:
			if err := c.write(msg); err != nil {
				c.log.WithFields(logrus.Fields{
					"error": err,
				}).Debug("Error sending message to client")
				c.stop("Send error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.events:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					closeMSG := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.stoppedReason)
					c.conn.WriteControl(websocket.CloseMessage, closeMSG, time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *client) write(msg Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// receive reads messages from the connection, and handles them until the connection fails.
func (c *client) receive() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.stop("Client disconnected")
			} else {
				c.stop("Receive error")
			}
			return
		}
		if c.stopped() {
			continue // Wait for sendLoop to close the connection
		}
		c.touch()
		c.handle(data)
	}
}

// handle decodes a message, and passes it to the handler for its type.
func (c *client) handle(data []byte) {
	var generic GenericClientMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		c.sendError("", "invalid message")
		c.stop("protocol error")
		return
	}

	newMessage, ok := clientMessages[generic.Type]
	if !ok {
		c.sendError("", fmt.Sprintf("unknown message type %q", generic.Type))
		return
	}
	msg := newMessage()
	if err := json.Unmarshal(data, msg); err != nil {
		c.sendError("", fmt.Sprintf("invalid %s message", generic.Type))
		return
	}
	clientMessageHandlers[generic.Type](c, msg)
}

// send queues msg to be written to the client.
// Messages sent after the client stops are discarded.
func (c *client) send(msg Message) {
	select {
	case c.events <- msg:
	case <-c.done:
	}
}

func (c *client) sendError(id, message string) {
	c.send(ClientErrorResponse{
		Type:  "error",
		ID:    id,
		Error: message,
	})
}

// ping asks the client to reply, unless it's been silent for longer than timeout.
func (c *client) ping(timeout time.Duration) {
	if timeout > 0 && time.Since(c.seen()) > timeout {
		c.stop("Ping timeout")
		return
	}
	select {
	case c.events <- pingMessage{Type: "ping"}:
	default: // Sending is backed up; the next ping will try again.
	}
}

func (c *client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *client) seen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// stopped returns true if the client was stopped.
func (c *client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// stop stops a client. Only the first call's reason is kept.
func (c *client) stop(reason string) {
	c.stopOnce.Do(func() {
		c.stoppedReason = reason
		close(c.done)
	})
}
