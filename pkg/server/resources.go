// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/ajaxchan/pkg/caching"
)

// ResourcesPath is the URL path static resources are served under.
const ResourcesPath = "/resources/"

// ResourceURL returns the URL clients should use to fetch the named resource,
// decorated by the server's caching strategy.
func (srv *Server) ResourceURL(name string) (string, error) {
	if srv.Resources == nil {
		return "", errors.New("no resources are served")
	}
	resource := caching.NewFileResource(srv.Resources, name)
	info, err := srv.Resources.Stat(resource.Name)
	if err != nil {
		return "", errors.Wrapf(err, "resource %s", name)
	}
	if info.IsDir() {
		return "", errors.Errorf("resource %s is a directory", name)
	}

	u := &caching.ResourceURL{
		FileName:   path.Join(ResourcesPath, resource.Name),
		Parameters: make(url.Values),
	}
	if srv.Strategy != nil {
		srv.Strategy.DecorateURL(u, resource)
	}
	return u.String(), nil
}

// serveResource serves a static resource.
// Requests for a decorated URL get a response that may be cached for as long as possible.
func (srv *Server) serveResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if srv.Resources == nil {
		http.NotFound(w, r)
		return
	}

	u := caching.ParseResourceURL(r.URL)
	u.FileName = strings.TrimPrefix(u.FileName, ResourcesPath)
	decorated := false
	if srv.Strategy != nil {
		before := u.Parameters.Encode()
		srv.Strategy.UndecorateURL(u)
		decorated = u.Parameters.Encode() != before
	}

	resource := caching.NewFileResource(srv.Resources, u.FileName)
	info, err := srv.Resources.Stat(resource.Name)
	if err != nil || info.IsDir() {
		if err != nil && !os.IsNotExist(err) {
			srv.Log.WithFields(logrus.Fields{
				"resource": resource.Name,
				"error":    err,
			}).Warn("Cannot stat resource")
		}
		http.NotFound(w, r)
		return
	}

	f, err := resource.Open()
	if err != nil {
		srv.Log.WithFields(logrus.Fields{
			"resource": resource.Name,
			"error":    err,
		}).Error("Cannot open resource")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	var resp caching.ResourceResponse
	if decorated {
		srv.Strategy.DecorateResponse(&resp, resource)
	}
	resp.Apply(w.Header())

	if rs, ok := f.(io.ReadSeeker); ok {
		http.ServeContent(w, r, resource.Name, info.ModTime(), rs)
		return
	}
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if _, err := io.Copy(w, f); err != nil {
		srv.Log.WithFields(logrus.Fields{
			"resource": resource.Name,
			"error":    err,
		}).Debug("Cannot write resource")
	}
}
