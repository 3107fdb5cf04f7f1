// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/n0ot/ajaxchan/pkg/channel"
	"github.com/n0ot/ajaxchan/pkg/queue"
)

var clientMessages map[string]func() Message
var clientMessageHandlers map[string]clientMessageHandlerFunc

type clientMessageHandlerFunc func(*client, Message)

// wrongPasswordDelay slows down guessing the stats password.
var wrongPasswordDelay = 5 * time.Second

// GenericClientMessage holds a message's "type", which is included in every message sent from a client.
type GenericClientMessage struct {
	Type string `json:"type"`
}

// Name gets this GenericClientMessage's name.
func (msg GenericClientMessage) Name() string {
	return "generic"
}

// ClientErrorResponse contains an error to be sent to a client.
// ID is set when the error belongs to a request.
type ClientErrorResponse struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// Name gets this ClientErrorResponse's name.
func (ClientErrorResponse) Name() string {
	return "error"
}

// ClientAcceptedResponse tells a client what happened to its request when it was added to its channel.
type ClientAcceptedResponse struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	Channel string        `json:"channel"`
	Outcome queue.Outcome `json:"outcome"`
}

// Name gets this ClientAcceptedResponse's name.
func (ClientAcceptedResponse) Name() string {
	return "accepted"
}

// ClientResultResponse contains the result of a request that completed.
type ClientResultResponse struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Result interface{} `json:"result"`
}

// Name gets this ClientResultResponse's name.
func (ClientResultResponse) Name() string {
	return "response"
}

// ClientDroppedResponse is sent when a request is discarded without running.
type ClientDroppedResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Name gets this ClientDroppedResponse's name.
func (ClientDroppedResponse) Name() string {
	return "dropped"
}

// ClientStatsResponse contains information about the running state of the server.
type ClientStatsResponse struct {
	Type  string `json:"type"`
	Stats Stats  `json:"stats"`
}

// Name gets this ClientStatsResponse's name.
func (ClientStatsResponse) Name() string {
	return "stats"
}

type pingMessage struct {
	Type string `json:"type"`
}

func (pingMessage) Name() string {
	return "ping"
}

func init() {
	clientMessages = make(map[string]func() Message)
	clientMessageHandlers = make(map[string]clientMessageHandlerFunc)

	clientMessages["request"] = func() Message {
		return &ClientRequestMessage{}
	}
	clientMessageHandlers["request"] = handleClientRequest

	clientMessages["pong"] = func() Message {
		return &GenericClientMessage{}
	}
	clientMessageHandlers["pong"] = func(*client, Message) {} // Receiving anything resets the ping timeout

	clientMessages["stat"] = func() Message {
		return &ClientStatMessage{}
	}
	clientMessageHandlers["stat"] = handleClientStatMessage
}

// ClientRequestMessage is an AJAX request sent by a client.
type ClientRequestMessage struct {
	GenericClientMessage
	ID string `json:"id"`

	// Channel is an encoded channel, like "name|s". If empty, the server's default channel is used.
	Channel string `json:"channel"`

	Token               string `json:"token"`
	RemovePrevious      bool   `json:"remove_previous"`
	ThrottleMS          int    `json:"throttle_ms"`
	ThrottlePostpone    bool   `json:"throttle_postpone"`
	RequestTimeoutMS    int    `json:"request_timeout_ms"`
	ProcessingTimeoutMS int    `json:"processing_timeout_ms"`

	Behavior string          `json:"behavior"`
	Args     json.RawMessage `json:"args"`
}

// Name gets this ClientRequestMessage's name.
func (ClientRequestMessage) Name() string {
	return "request"
}

// maxMillis is the longest duration a client may request, in milliseconds.
const maxMillis = int64(queue.MaxTimeout / time.Millisecond)

// millis converts a client-supplied duration. Negative values become 0.
func millis(ms int) time.Duration {
	return time.Duration(max(0, min(int64(ms), maxMillis))) * time.Millisecond
}

func handleClientRequest(c *client, msg Message) {
	req := msg.(*ClientRequestMessage)
	if req.ID == "" {
		c.sendError("", "no id specified")
		return
	}

	var ch channel.Channel
	if req.Channel != "" {
		parsed, err := channel.Parse(req.Channel)
		if err != nil {
			c.sendError(req.ID, err.Error())
			return
		}
		ch = parsed
	}

	behavior, ok := Behaviors[req.Behavior]
	if !ok {
		c.sendError(req.ID, fmt.Sprintf("unknown behavior %q", req.Behavior))
		return
	}

	// result is written by Run, and read by OnSuccess once Run has returned.
	var result interface{}
	item := &queue.Item{
		ID:                req.ID,
		Channel:           ch,
		Token:             req.Token,
		RemovePrevious:    req.RemovePrevious,
		Throttle:          millis(req.ThrottleMS),
		ThrottlePostpone:  req.ThrottlePostpone,
		RequestTimeout:    millis(req.RequestTimeoutMS),
		ProcessingTimeout: millis(req.ProcessingTimeoutMS),
		Run: func(ctx context.Context) error {
			r, err := behavior.Respond(ctx, c.srv, req.Args)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		OnSuccess: func(item *queue.Item) {
			c.send(ClientResultResponse{
				Type:   "response",
				ID:     item.ID,
				Result: result,
			})
		},
		OnError: func(item *queue.Item, err error) {
			c.sendError(item.ID, err.Error())
		},
		OnDrop: func(item *queue.Item) {
			c.send(ClientDroppedResponse{
				Type: "dropped",
				ID:   item.ID,
			})
		},
	}

	outcome, err := c.scheduler.Add(item)
	if err != nil {
		c.sendError(req.ID, err.Error())
		return
	}
	if outcome == queue.Dropped {
		return // OnDrop has replied
	}
	c.send(ClientAcceptedResponse{
		Type:    "accepted",
		ID:      item.ID,
		Channel: item.Channel.String(),
		Outcome: outcome,
	})
}

// ClientStatMessage is sent by clients requesting server stats.
type ClientStatMessage struct {
	GenericClientMessage
	Password string `json:"password"`
}

// Name gets this ClientStatMessage's name.
func (ClientStatMessage) Name() string {
	return "stat"
}

func handleClientStatMessage(c *client, msg Message) {
	statReq := msg.(*ClientStatMessage)

	if c.srv.StatsPassword == "" {
		c.sendError("", "stats are disabled")
		c.stop("stats disabled")
		return
	}
	if statReq.Password == "" {
		c.sendError("", "no password")
		c.stop("no stats password provided")
		return
	}
	if c.srv.StatsPassword != statReq.Password {
		time.Sleep(wrongPasswordDelay) // Prevent brute forcing
		c.sendError("", "wrong password")
		c.stop("wrong stats password")
		return
	}

	c.send(ClientStatsResponse{
		Type:  "stats",
		Stats: c.srv.registry.Stats(),
	})
	c.stop("stats request completed")
}
