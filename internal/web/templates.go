// Package web holds the server-rendered pages. Templates are embedded so the
// binary ships self-contained.
package web

import (
	"embed"
	"html/template"
	"io"

	"markstash/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type LoginData struct {
	AuthFailed bool
}

type DashboardData struct {
	UserName  string
	Bookmarks []store.Bookmark
}

func Render(w io.Writer, name string, data any) error {
	return templates.ExecuteTemplate(w, name, data)
}
