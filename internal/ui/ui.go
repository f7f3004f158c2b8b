// Package ui holds the embedded console templates and static assets.
package ui

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"
)

//go:embed static
var StaticFiles embed.FS

//go:embed templates/*.html
var templateFiles embed.FS

// Pages lists the templates a Renderer can execute.
var Pages = []string{"index", "callback", "session", "refresh", "error"}

var funcs = template.FuncMap{
	"join": strings.Join,
	"percent": func(f float64) string {
		return fmt.Sprintf("%.0f%%", f)
	},
}

// Renderer executes page templates wrapped in the shared layout.
type Renderer struct {
	pages map[string]*template.Template
}

func NewRenderer() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template)}
	for _, page := range Pages {
		t, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFiles,
			"templates/layout.html", "templates/"+page+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", page, err)
		}
		r.pages[page] = t
	}
	return r, nil
}

// Render writes page with data.
func (r *Renderer) Render(w io.Writer, page string, data any) error {
	t, ok := r.pages[page]
	if !ok {
		return fmt.Errorf("unknown page %q", page)
	}
	return t.ExecuteTemplate(w, "layout.html", data)
}
