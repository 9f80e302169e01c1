// Package static embeds the web client assets.
package static

import (
	"embed"
	"io/fs"
)

//go:embed assets
var assets embed.FS

// Files holds index.html, main.js and styles.css at its root.
var Files = mustSub(assets, "assets")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
