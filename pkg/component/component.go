// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package component contains a minimal component tree, enough to build and inspect test pages.
package component

import (
	"strings"

	"github.com/pkg/errors"
)

// PathSeparator separates component IDs in a path, like "form:group:check1".
const PathSeparator = ":"

// Component is a node in a page's component tree.
type Component interface {
	ID() string
	Kind() string
	Parent() *Container
	setParent(*Container)
}

// Model holds the object a component displays or edits.
type Model[T any] struct {
	Object T
}

// NewModel wraps object in a Model.
func NewModel[T any](object T) *Model[T] {
	return &Model[T]{Object: object}
}

type base struct {
	id     string
	kind   string
	parent *Container
}

func (b *base) ID() string { return b.id }

func (b *base) Kind() string { return b.kind }

func (b *base) Parent() *Container { return b.parent }

func (b *base) setParent(c *Container) { b.parent = c }

// Container is a component with children.
type Container struct {
	base
	owner    Component // The component embedding this container, if any
	children []Component
	err      error
}

type parent interface {
	container() *Container
}

// NewContainer makes a container of the given kind.
func NewContainer(kind, id string) *Container {
	return &Container{base: base{id: id, kind: kind}}
}

func (c *Container) container() *Container { return c }

// Owner returns the component that embeds c, or c itself.
func (c *Container) Owner() Component {
	if c.owner != nil {
		return c.owner
	}
	return c
}

// NewWebMarkupContainer makes a plain container.
func NewWebMarkupContainer(id string) *Container {
	return NewContainer("WebMarkupContainer", id)
}

// Add adds children to c, and returns c so calls can be chained.
// Adding a child whose ID is already used in c records an error, returned by Err.
func (c *Container) Add(children ...Component) *Container {
	for _, child := range children {
		if child == nil {
			continue
		}
		if c.child(child.ID()) != nil {
			if c.err == nil {
				c.err = errors.Errorf("%s already contains a child with id %q", Path(c), child.ID())
			}
			continue
		}
		child.setParent(c)
		c.children = append(c.children, child)
	}
	return c
}

// Err returns the first error from Add, if any; errors from descendant containers are included.
func (c *Container) Err() error {
	if c.err != nil {
		return c.err
	}
	for _, child := range c.children {
		if sub, ok := child.(parent); ok {
			if err := sub.container().Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Children returns c's children, in the order they were added.
func (c *Container) Children() []Component {
	return append([]Component(nil), c.children...)
}

func (c *Container) child(id string) Component {
	for _, child := range c.children {
		if child.ID() == id {
			return child
		}
	}
	return nil
}

// Get finds a descendant of c by its path relative to c.
func (c *Container) Get(path string) (Component, error) {
	if path == "" {
		return c.Owner(), nil
	}
	current := c.Owner()
	for _, id := range strings.Split(path, PathSeparator) {
		p, ok := current.(parent)
		if !ok {
			return nil, errors.Errorf("%s has no children; cannot get %q", Path(current), path)
		}
		if current = p.container().child(id); current == nil {
			return nil, errors.Errorf("component %q not found in %s", path, Path(c))
		}
	}
	return current, nil
}

// Path returns the path of c from its page. The page itself has an empty path.
func Path(c Component) string {
	var ids []string
	for ; c != nil && c.Parent() != nil; c = c.Parent() {
		ids = append([]string{c.ID()}, ids...)
	}
	return strings.Join(ids, PathSeparator)
}
