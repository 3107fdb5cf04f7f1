// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package channel describes AJAX channels.
//
// A channel groups asynchronous requests under a name, and tells the request
// queue how requests sharing that name are admitted.
// Queue channels run their requests one at a time, in arrival order.
// Drop channels run at most one request at a time,
// and discard requests that arrive while another is running.
package channel

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidArgument is returned when a channel cannot be constructed from the given arguments.
var ErrInvalidArgument = errors.New("invalid argument")

// Type is the admission policy of a channel.
type Type int

const (
	// Queue keeps requests in a FIFO queue, and processes them one at a time.
	Queue Type = iota
	// Drop processes only one request at a time; requests arriving in the meantime are discarded.
	Drop
)

const separator = "|"

// The wire letters are historical: 's' comes from "stack", but the channel acts as a queue.
const (
	queueSuffix = "s"
	dropSuffix  = "d"
)

func (t Type) String() string {
	switch t {
	case Queue:
		return "QUEUE"
	case Drop:
		return "DROP"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) valid() bool {
	return t == Queue || t == Drop
}

func (t Type) suffix() string {
	if t == Drop {
		return dropSuffix
	}
	return queueSuffix
}

// ParseType parses a type name ("queue", "drop"), case insensitively,
// or one of the wire letters "s" and "d".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue", queueSuffix:
		return Queue, nil
	case "drop", dropSuffix:
		return Drop, nil
	}
	return Queue, errors.Wrapf(ErrInvalidArgument, "unknown channel type %q", s)
}

// Channel is an immutable, named admission policy.
// The zero value is not a valid channel; use New or NewWithType.
type Channel struct {
	name string
	typ  Type
}

// New creates a queue channel with the given name.
func New(name string) (Channel, error) {
	return NewWithType(name, Queue)
}

// NewWithType creates a channel with the given name and type.
// The name must not be blank.
func NewWithType(name string, t Type) (Channel, error) {
	if strings.TrimSpace(name) == "" {
		return Channel{}, errors.Wrap(ErrInvalidArgument, "channel name must not be empty")
	}
	if !t.valid() {
		return Channel{}, errors.Wrapf(ErrInvalidArgument, "channel type %s", t)
	}
	return Channel{name: name, typ: t}, nil
}

// MustNew is like NewWithType, but panics if the channel cannot be created.
func MustNew(name string, t Type) Channel {
	c, err := NewWithType(name, t)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes a channel from its wire form, "<name>|s" or "<name>|d".
// The name is everything before the last separator, so names may contain '|'.
func Parse(token string) (Channel, error) {
	i := strings.LastIndex(token, separator)
	if i < 0 {
		return Channel{}, errors.Wrapf(ErrInvalidArgument, "channel %q has no type suffix", token)
	}

	var t Type
	switch token[i+1:] {
	case queueSuffix:
		t = Queue
	case dropSuffix:
		t = Drop
	default:
		return Channel{}, errors.Wrapf(ErrInvalidArgument, "channel %q has unknown type suffix", token)
	}
	return NewWithType(token[:i], t)
}

// Name returns the name of this channel.
func (c Channel) Name() string {
	return c.name
}

// Type returns the admission policy of this channel.
func (c Channel) Type() Type {
	return c.typ
}

// IsZero reports whether c was never constructed.
func (c Channel) IsZero() bool {
	return c.name == ""
}

// ChannelName returns the wire form of this channel,
// which the request queue uses to group requests.
func (c Channel) ChannelName() string {
	return c.name + separator + c.typ.suffix()
}

func (c Channel) String() string {
	return c.ChannelName()
}

// MarshalText encodes c in its wire form.
func (c Channel) MarshalText() ([]byte, error) {
	if c.IsZero() {
		return nil, errors.Wrap(ErrInvalidArgument, "cannot marshal an empty channel")
	}
	return []byte(c.ChannelName()), nil
}

// UnmarshalText decodes c from its wire form.
func (c *Channel) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UnmarshalYAML accepts either a wire form scalar ("upload|s"),
// or a mapping with name and type keys.
func (c *Channel) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return c.UnmarshalText([]byte(value.Value))

	case yaml.MappingNode:
		var raw struct {
			Name string `yaml:"name"`
			Type string `yaml:"type"`
		}
		if err := value.Decode(&raw); err != nil {
			return errors.Wrap(err, "decode channel")
		}
		t := Queue
		if raw.Type != "" {
			var err error
			if t, err = ParseType(raw.Type); err != nil {
				return err
			}
		}
		parsed, err := NewWithType(raw.Name, t)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	return errors.Wrapf(ErrInvalidArgument, "cannot decode channel from YAML line %d", value.Line)
}
