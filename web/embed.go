// Package web embeds the operator console (dist/) and serves it over HTTP.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// MountPath is where the console is served.
const MountPath = "/ui"

// ConsoleHandler serves the embedded console below prefix. Unknown paths
// fall back to index.html, which is never cached so a redeploy shows up on
// the next reload.
func ConsoleHandler(prefix string) http.Handler {
	subFS, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	fileServer := http.StripPrefix(prefix, http.FileServer(http.FS(subFS)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(r.URL.Path, prefix)), "/")
		if name == "" || name == "." {
			name = "index.html"
		}

		if f, err := subFS.Open(name); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close embedded file", "path", name, "error", closeErr)
			}
		} else {
			name = "index.html"
		}

		// FileServer redirects explicit /index.html requests, so ask for the directory.
		if name == "index.html" {
			r.URL.Path = prefix + "/"
			w.Header().Set("Cache-Control", "no-cache")
		}
		fileServer.ServeHTTP(w, r)
	})
}
