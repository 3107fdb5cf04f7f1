// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package caching decorates static resource URLs and responses,
// so clients can cache resources for a long time, and still see new versions.
package caching

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrInvalidArgument is returned when a strategy is constructed with invalid arguments.
var ErrInvalidArgument = errors.New("invalid argument")

// MaxCacheDuration is the longest duration a response will be cached for.
const MaxCacheDuration = 365 * 24 * time.Hour

// StaticCacheableResource is a resource whose content only changes when its version does.
type StaticCacheableResource interface {
	// CacheKey uniquely identifies the resource.
	CacheKey() string
	LastModified() time.Time
	Open() (io.ReadCloser, error)
}

// FileResource is a static resource stored in a file system.
type FileResource struct {
	Fs   afero.Fs
	Name string
}

// NewFileResource returns the resource called name in fs.
func NewFileResource(fs afero.Fs, name string) *FileResource {
	return &FileResource{Fs: fs, Name: path.Clean("/" + name)}
}

// CacheKey returns the resource's file name.
func (r *FileResource) CacheKey() string {
	return r.Name
}

// LastModified returns the file's modification time, or the zero time if it cannot be determined.
func (r *FileResource) LastModified() time.Time {
	info, err := r.Fs.Stat(r.Name)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Open opens the file for reading.
func (r *FileResource) Open() (io.ReadCloser, error) {
	f, err := r.Fs.Open(r.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "open resource %s", r.Name)
	}
	return f, nil
}

// ResourceURL is the URL of a resource: a file name, and query parameters.
type ResourceURL struct {
	FileName   string
	Parameters url.Values
}

// ParseResourceURL parses a URL into a ResourceURL.
func ParseResourceURL(u *url.URL) *ResourceURL {
	return &ResourceURL{
		FileName:   u.Path,
		Parameters: u.Query(),
	}
}

func (u *ResourceURL) String() string {
	if len(u.Parameters) == 0 {
		return u.FileName
	}
	return u.FileName + "?" + u.Parameters.Encode()
}

// CacheScope controls who may cache a response.
type CacheScope int

const (
	// Private responses may only be cached by the client.
	Private CacheScope = iota
	// Public responses may be cached by proxies too.
	Public
)

func (s CacheScope) String() string {
	if s == Public {
		return "public"
	}
	return "private"
}

// ResourceResponse holds the caching attributes of a resource response.
type ResourceResponse struct {
	CacheDuration time.Duration
	CacheScope    CacheScope
}

// SetCacheDurationToMaximum caches the response for as long as possible.
func (r *ResourceResponse) SetCacheDurationToMaximum() {
	r.CacheDuration = MaxCacheDuration
}

// Apply writes the caching headers for r.
// A zero CacheDuration disables caching.
func (r *ResourceResponse) Apply(h http.Header) {
	if r.CacheDuration <= 0 {
		h.Set("Cache-Control", "no-cache, no-store")
		h.Set("Expires", time.Unix(0, 0).UTC().Format(http.TimeFormat))
		return
	}
	seconds := int64(r.CacheDuration / time.Second)
	h.Set("Cache-Control", fmt.Sprintf("%s, max-age=%d", r.CacheScope, seconds))
	h.Set("Expires", time.Now().Add(r.CacheDuration).UTC().Format(http.TimeFormat))
}

// Strategy decorates resource URLs and responses.
type Strategy interface {
	// DecorateURL adds caching information to a resource's URL.
	DecorateURL(u *ResourceURL, resource StaticCacheableResource)
	// UndecorateURL removes what DecorateURL added, so the resource can be resolved.
	UndecorateURL(u *ResourceURL)
	// DecorateResponse sets the caching attributes of a resource's response.
	DecorateResponse(r *ResourceResponse, resource StaticCacheableResource)
}

func emptyParameterName(name string) bool {
	return strings.TrimSpace(name) == ""
}
