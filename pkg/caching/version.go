// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package caching

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ResourceVersion provides the version of a resource.
// ok is false if the version cannot be determined, in which case the resource is not decorated.
type ResourceVersion interface {
	Version(resource StaticCacheableResource) (version string, ok bool)
}

// ResourceVersionFunc is an adapter to use an ordinary function as a ResourceVersion.
type ResourceVersionFunc func(StaticCacheableResource) (string, bool)

// Version calls f(resource).
func (f ResourceVersionFunc) Version(resource StaticCacheableResource) (string, bool) {
	return f(resource)
}

// StaticVersion gives every resource the same version, such as the application's release.
type StaticVersion string

// Version returns v.
func (v StaticVersion) Version(StaticCacheableResource) (string, bool) {
	return string(v), v != ""
}

// LastModifiedVersion uses a resource's modification time, in milliseconds since the epoch.
type LastModifiedVersion struct{}

// Version returns the modification time, if known.
func (LastModifiedVersion) Version(resource StaticCacheableResource) (string, bool) {
	modified := resource.LastModified()
	if modified.IsZero() {
		return "", false
	}
	return strconv.FormatInt(modified.UnixMilli(), 10), true
}

// MessageDigestVersion uses a hex digest of a resource's content.
type MessageDigestVersion struct {
	// NewHash creates the digest. If nil, MD5 is used.
	NewHash func() hash.Hash
	Log     *logrus.Logger
}

// Version digests the resource's content.
func (v MessageDigestVersion) Version(resource StaticCacheableResource) (string, bool) {
	digest, err := v.digest(resource)
	if err != nil {
		if v.Log != nil {
			v.Log.WithFields(logrus.Fields{
				"resource": resource.CacheKey(),
				"error":    err,
			}).Warn("Cannot compute resource version")
		}
		return "", false
	}
	return digest, true
}

func (v MessageDigestVersion) digest(resource StaticCacheableResource) (string, error) {
	newHash := v.NewHash
	if newHash == nil {
		newHash = md5.New
	}

	r, err := resource.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()

	h := newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrapf(err, "digest resource %s", resource.CacheKey())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type cachedVersion struct {
	version string
	ok      bool
}

// CachingVersion remembers the versions computed by another ResourceVersion,
// keeping the most recently used entries. Resources without a version are remembered too.
type CachingVersion struct {
	delegate ResourceVersion
	cache    *lru.Cache[string, cachedVersion]
}

// NewCachingVersion caches up to size versions computed by delegate.
func NewCachingVersion(delegate ResourceVersion, size int) (*CachingVersion, error) {
	if delegate == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "delegate must not be nil")
	}
	cache, err := lru.New[string, cachedVersion](size)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	return &CachingVersion{delegate: delegate, cache: cache}, nil
}

// Version returns the cached version of resource, computing it if needed.
func (v *CachingVersion) Version(resource StaticCacheableResource) (string, bool) {
	key := resource.CacheKey()
	if cached, ok := v.cache.Get(key); ok {
		return cached.version, cached.ok
	}
	version, ok := v.delegate.Version(resource)
	v.cache.Add(key, cachedVersion{version: version, ok: ok})
	return version, ok
}

// Invalidate forgets the cached version of resource.
func (v *CachingVersion) Invalidate(resource StaticCacheableResource) {
	v.cache.Remove(resource.CacheKey())
}

// Len returns the number of cached versions.
func (v *CachingVersion) Len() int {
	return v.cache.Len()
}
