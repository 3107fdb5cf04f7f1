// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package component

// Page is the root of a component tree.
type Page struct {
	Container
}

// NewPage makes an empty page.
func NewPage() *Page {
	p := &Page{Container: Container{base: base{kind: "Page"}}}
	p.owner = p
	return p
}

// Root returns the page's container, the parent of its top level components.
func (p *Page) Root() *Container {
	return &p.Container
}

// Form groups form components.
type Form struct {
	Container
}

// NewForm makes a form.
func NewForm(id string) *Form {
	f := &Form{Container: Container{base: base{id: id, kind: "Form"}}}
	f.owner = f
	return f
}

// CheckGroup holds the selected values of the Checks inside it.
type CheckGroup[T any] struct {
	Container
	Model *Model[[]T]
}

// NewCheckGroup makes a check group whose selection is stored in model.
func NewCheckGroup[T any](id string, model *Model[[]T]) *CheckGroup[T] {
	g := &CheckGroup[T]{Container: Container{base: base{id: id, kind: "CheckGroup"}}, Model: model}
	g.owner = g
	return g
}

// Check is a single choice in a CheckGroup.
type Check[T any] struct {
	base
	Model *Model[T]
}

// NewCheck makes a check for the value in model.
func NewCheck[T any](id string, model *Model[T]) *Check[T] {
	return &Check[T]{base: base{id: id, kind: "Check"}, Model: model}
}

// Group returns the nearest enclosing CheckGroup, or nil if there isn't one.
func (c *Check[T]) Group() *CheckGroup[T] {
	for p := c.Parent(); p != nil; p = p.Parent() {
		if g, ok := p.owner.(*CheckGroup[T]); ok {
			return g
		}
	}
	return nil
}

// Selected reports whether the check's value is in its group's selection.
// equal compares values.
func (c *Check[T]) Selected(equal func(a, b T) bool) bool {
	g := c.Group()
	if g == nil || g.Model == nil || c.Model == nil {
		return false
	}
	for _, v := range g.Model.Object {
		if equal(v, c.Model.Object) {
			return true
		}
	}
	return false
}
