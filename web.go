package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// serveWebApp returns an http.Handler that serves the browser client from dir.
// Unknown paths get index.html so client-side routes survive a reload.
func serveWebApp(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// API misses must stay 404s, not the app shell.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}

		requested := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if stat, err := os.Stat(requested); err == nil && !stat.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		index := filepath.Join(dir, "index.html")
		if _, err := os.Stat(index); err != nil {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, index)
	})
}
