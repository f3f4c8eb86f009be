// Package ui serves the embedded status page for the braid HTTP server.
package ui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFS embed.FS

// Handler returns an http.Handler serving the embedded status page. The page
// itself is static; all live data comes from the JSON API and the event
// stream.
func Handler() (http.Handler, error) {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}
	return http.FileServerFS(sub), nil
}
