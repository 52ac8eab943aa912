// Package webui renders the embedded HTML pages served next to the JSON API.
package webui

import (
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Renderer renders named templates with a common context (current time,
// process uptime). It is safe for concurrent use after New.
type Renderer struct {
	tmpl  *template.Template
	start time.Time
}

func New() (*Renderer, error) {
	r := &Renderer{start: time.Now()}

	funcs := template.FuncMap{
		"format_uptime":   formatUptime,
		"format_datetime": formatDatetime,
	}
	t, err := template.New("webui").Funcs(funcs).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	r.tmpl = t
	return r, nil
}

// StartedAt reports when the renderer (and so the process) came up.
func (r *Renderer) StartedAt() time.Time { return r.start }

// Render renders template name with data merged over the common context.
// Data keys override common keys.
func (r *Renderer) Render(name string, data map[string]any) (string, error) {
	now := time.Now()
	ctx := map[string]any{
		"current_time":   now.Format("2006-01-02 15:04:05"),
		"uptime_seconds": int(now.Sub(r.start).Seconds()),
		"uptime":         formatUptime(int(now.Sub(r.start).Seconds())),
	}
	for k, v := range data {
		ctx[k] = v
	}

	var b strings.Builder
	if err := r.tmpl.ExecuteTemplate(&b, name, ctx); err != nil {
		return "", err
	}
	return b.String(), nil
}

func formatUptime(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

func formatDatetime(ts time.Time) string {
	return ts.Format("2006-01-02 15:04:05")
}
