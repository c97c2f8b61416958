package templates

import (
	"embed"
	"html/template"
)

//go:embed *.html *.svg
var FS embed.FS

// LoadTemplates loads the status page and the focus plot from the embedded filesystem
func LoadTemplates() (*template.Template, error) {
	return template.ParseFS(FS, "*.html", "*.svg")
}
