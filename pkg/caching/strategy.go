// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package caching

import (
	"github.com/pkg/errors"
)

// DefaultVersionParameter is the query parameter holding a resource's version.
const DefaultVersionParameter = "ver"

// QueryStringWithVersion adds a resource's version to the query string of its URL,
// e.g. "style.css?ver=1a2b3c", and lets clients cache versioned resources publicly, for as long as possible.
type QueryStringWithVersion struct {
	versionParameter string
	version          ResourceVersion
}

// NewQueryStringWithVersion creates a strategy using the "ver" query parameter.
func NewQueryStringWithVersion(version ResourceVersion) (*QueryStringWithVersion, error) {
	return NewQueryStringWithVersionParameter(DefaultVersionParameter, version)
}

// NewQueryStringWithVersionParameter creates a strategy storing versions in the named query parameter.
func NewQueryStringWithVersionParameter(versionParameter string, version ResourceVersion) (*QueryStringWithVersion, error) {
	if emptyParameterName(versionParameter) {
		return nil, errors.Wrap(ErrInvalidArgument, "versionParameter must not be empty")
	}
	if version == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "resource version provider must not be nil")
	}
	return &QueryStringWithVersion{
		versionParameter: versionParameter,
		version:          version,
	}, nil
}

// VersionParameter returns the name of the query parameter holding the version.
func (s *QueryStringWithVersion) VersionParameter() string {
	return s.versionParameter
}

// DecorateURL sets the version parameter, if the resource has a version.
func (s *QueryStringWithVersion) DecorateURL(u *ResourceURL, resource StaticCacheableResource) {
	version, ok := s.version.Version(resource)
	if !ok {
		return
	}
	if u.Parameters == nil {
		u.Parameters = make(map[string][]string)
	}
	u.Parameters.Set(s.versionParameter, version)
}

// UndecorateURL removes the version parameter.
func (s *QueryStringWithVersion) UndecorateURL(u *ResourceURL) {
	if u.Parameters != nil {
		u.Parameters.Del(s.versionParameter)
	}
}

// DecorateResponse caches the response publicly, for as long as possible.
func (s *QueryStringWithVersion) DecorateResponse(r *ResourceResponse, resource StaticCacheableResource) {
	r.SetCacheDurationToMaximum()
	r.CacheScope = Public
}

// Decorated reports whether u carries a version.
func (s *QueryStringWithVersion) Decorated(u *ResourceURL) bool {
	return u.Parameters != nil && u.Parameters.Has(s.versionParameter)
}
