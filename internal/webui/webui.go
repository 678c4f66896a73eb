// Package webui implements the Embedded Static Files component (§4.7):
// the terminal UI bundle served from an embedded asset tree, with a
// client-side-routing fallback to index.html and aggressive caching on
// content-hashed asset paths.
//
// Adapted from the teacher's internal/relay/server.go registerStaticRoutes
// (fs.Sub over an embedded dist tree behind http.FileServer); the
// go:embed-a-template-tree idiom itself matches internal/relay/pages.go's
// //go:embed templates.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
	"regexp"
)

//go:embed dist
var distFS embed.FS

// hashedAsset matches a content-hashed build artifact, e.g.
// /assets/app-3f9c1a2b.js, which is safe to cache forever.
var hashedAsset = regexp.MustCompile(`-[0-9a-f]{8,}\.[a-zA-Z0-9]+$`)

// Handler returns the http.Handler serving the embedded UI bundle.
func Handler() (http.Handler, error) {
	sub, err := fs.Sub(distFS, "dist")
	if err != nil {
		return nil, err
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hashedAsset.MatchString(r.URL.Path) {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}

		if _, err := fs.Stat(sub, fsPath(r.URL.Path)); err != nil {
			indexFallback(w, r, sub)
			return
		}
		fileServer.ServeHTTP(w, r)
	}), nil
}

// fsPath strips the leading slash an http.Request path carries, matching
// the relative form fs.Stat expects against an fs.FS.
func fsPath(urlPath string) string {
	if urlPath == "" || urlPath == "/" {
		return "."
	}
	return urlPath[1:]
}

// indexFallback serves dist/index.html for any path that isn't a real
// file in the bundle, supporting client-side routing.
func indexFallback(w http.ResponseWriter, r *http.Request, sub fs.FS) {
	data, err := fs.ReadFile(sub, "index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}
