// Package web embeds the chat client (dist/) and serves it as a single-page
// application. The client talks to /api/v1/sessions and /ws/sessions/{id}.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// reserved prefixes belong to the API and never fall back to index.html.
var reserved = []string{"api/", "ws/", "health"}

// SPAHandler returns an http.Handler that serves the embedded client. Unknown
// paths get index.html so client-side routes survive a reload.
func SPAHandler() http.Handler {
	return spaHandler(distFS)
}

func spaHandler(root fs.FS) http.Handler {
	subFS, err := fs.Sub(root, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	fileServer := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		for _, p := range reserved {
			if strings.HasPrefix(path, p) {
				http.NotFound(w, r)
				return
			}
		}

		if path != "" && path != "index.html" {
			if info, err := fs.Stat(subFS, path); err == nil && !info.IsDir() {
				w.Header().Set("Cache-Control", "public, max-age=3600")
				fileServer.ServeHTTP(w, r)
				return
			}
		}

		// index.html is never cached so a redeploy is picked up immediately.
		w.Header().Set("Cache-Control", "no-cache")
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
