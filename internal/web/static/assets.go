// Package static provides the embedded single-page chat client.
package static

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed index.html
var assetsFS embed.FS

// Handler returns an http.Handler serving the embedded assets.
func Handler() http.Handler {
	sub, err := fs.Sub(assetsFS, ".")
	if err != nil {
		// Cannot happen with embed.FS and ".", fail fast if it does.
		panic("static: " + err.Error())
	}
	return http.FileServer(http.FS(sub))
}
