// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// A Behavior performs the work of an AJAX request, once its channel lets it run.
// ctx is cancelled if the request times out, or the client disconnects.
type Behavior interface {
	Respond(ctx context.Context, srv *Server, args json.RawMessage) (interface{}, error)
}

// BehaviorFunc is an adapter to use an ordinary function as a Behavior.
type BehaviorFunc func(ctx context.Context, srv *Server, args json.RawMessage) (interface{}, error)

// Respond calls f(ctx, srv, args).
func (f BehaviorFunc) Respond(ctx context.Context, srv *Server, args json.RawMessage) (interface{}, error) {
	return f(ctx, srv, args)
}

// Behaviors contains the behaviors clients may request by name.
// Register behaviors before starting a server.
var Behaviors = make(map[string]Behavior)

func init() {
	Behaviors["echo"] = BehaviorFunc(echoBehavior)
	Behaviors["sleep"] = BehaviorFunc(sleepBehavior)
	Behaviors["time"] = BehaviorFunc(timeBehavior)
	Behaviors["resource_url"] = BehaviorFunc(resourceURLBehavior)
}

// echoBehavior replies with its arguments.
func echoBehavior(ctx context.Context, srv *Server, args json.RawMessage) (interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

type sleepArgs struct {
	MS    int             `json:"ms"`
	Value json.RawMessage `json:"value"`
	Fail  string          `json:"fail"`
}

// sleepBehavior waits for args.ms milliseconds, then replies with args.value, or fails with args.fail.
func sleepBehavior(ctx context.Context, srv *Server, args json.RawMessage) (interface{}, error) {
	var sa sleepArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &sa); err != nil {
			return nil, errors.Wrap(err, "sleep arguments")
		}
	}
	if sa.MS < 0 {
		return nil, errors.Errorf("cannot sleep for %dms", sa.MS)
	}

	timer := time.NewTimer(time.Duration(sa.MS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if sa.Fail != "" {
		return nil, errors.New(sa.Fail)
	}
	if len(sa.Value) == 0 {
		return nil, nil
	}
	return sa.Value, nil
}

// timeBehavior replies with the server's current time.
func timeBehavior(ctx context.Context, srv *Server, args json.RawMessage) (interface{}, error) {
	return time.Now(), nil
}

type resourceURLArgs struct {
	Name string `json:"name"`
}

// resourceURLBehavior replies with the versioned URL of a static resource.
func resourceURLBehavior(ctx context.Context, srv *Server, args json.RawMessage) (interface{}, error) {
	var ra resourceURLArgs
	if err := json.Unmarshal(args, &ra); err != nil {
		return nil, errors.Wrap(err, "resource_url arguments")
	}
	if ra.Name == "" {
		return nil, errors.New("no resource name specified")
	}
	return srv.ResourceURL(ra.Name)
}
