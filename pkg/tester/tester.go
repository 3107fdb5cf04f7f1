// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package tester starts pages outside of a server, and inspects their component trees.
package tester

import (
	"github.com/pkg/errors"

	"github.com/n0ot/ajaxchan/pkg/component"
)

// TestPageSource creates a page for the Tester.
//
// Deprecated: build the page directly, and pass it to Tester.StartPage.
type TestPageSource interface {
	TestPage() *component.Page
}

// PageSourceFunc is an adapter to use an ordinary function as a TestPageSource.
//
// Deprecated: build the page directly, and pass it to Tester.StartPage.
type PageSourceFunc func() *component.Page

// TestPage calls f().
func (f PageSourceFunc) TestPage() *component.Page {
	return f()
}

// Tester holds the last page it started.
type Tester struct {
	lastPage *component.Page
}

// New creates a Tester.
func New() *Tester {
	return &Tester{}
}

// StartPage makes page the last rendered page.
// Pages whose component trees failed to build are rejected.
func (t *Tester) StartPage(page *component.Page) error {
	if page == nil {
		return errors.New("cannot start a nil page")
	}
	if err := page.Err(); err != nil {
		return errors.Wrap(err, "start page")
	}
	t.lastPage = page
	return nil
}

// StartPageSource starts the page created by source.
//
// Deprecated: use StartPage.
func (t *Tester) StartPageSource(source TestPageSource) error {
	if source == nil {
		return errors.New("cannot start a nil page source")
	}
	return t.StartPage(source.TestPage())
}

// LastRenderedPage returns the last page started, or nil.
func (t *Tester) LastRenderedPage() *component.Page {
	return t.lastPage
}

// ComponentFromLastRenderedPage finds a component by its path in the last rendered page.
func (t *Tester) ComponentFromLastRenderedPage(path string) (component.Component, error) {
	if t.lastPage == nil {
		return nil, errors.New("no page has been rendered")
	}
	return t.lastPage.Get(path)
}

// AssertComponent checks that the component at path exists, and is of the given kind.
func (t *Tester) AssertComponent(path, kind string) error {
	c, err := t.ComponentFromLastRenderedPage(path)
	if err != nil {
		return err
	}
	if c.Kind() != kind {
		return errors.Errorf("component %q is a %s, not a %s", path, c.Kind(), kind)
	}
	return nil
}
