// web/embed.go
package web

import (
	"embed"
	"mime"
	"path"
)

//go:embed static/*
var staticFiles embed.FS

func GetFile(name string) ([]byte, error) {
	return staticFiles.ReadFile("static/" + name)
}

// ContentType guesses from the extension and falls back to HTML.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "text/html; charset=utf-8"
}
