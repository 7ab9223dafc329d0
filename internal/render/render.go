// Package render fills title and description templates with scene context.
package render

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/file"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/flosch/pongo2/v6"
	"github.com/ncruces/go-strftime"
)

const (
	DefaultTemplate      = "fakestash-v2"
	DefaultTitleTemplate = "{% if studio %}[{{ studio }}]{% endif %} {{ performers|join:\", \" }} - {{ title }}{% if date %} ({{ date }}){% endif %}{% if resolution %} [{{ resolution }}]{% endif %}"
	DefaultDateFormat    = "%B %-d, %Y"
)

//go:embed templates/*
var defaultTemplates embed.FS

// Context is the variable set a template is rendered with.
type Context = pongo2.Context

var autoescapeOnce sync.Once

// Descriptions are BBCode, not HTML.
func disableAutoescape() {
	autoescapeOnce.Do(func() { pongo2.SetAutoescape(false) })
}

type Renderer struct {
	dir   string
	set   *pongo2.TemplateSet
	names map[string]string
}

// New loads templates from dir. Only entries of names whose file exists in
// dir are usable; the rest are logged and dropped.
func New(dir string, names map[string]string) (*Renderer, error) {
	disableAutoescape()
	loader, err := pongo2.NewLocalFileSystemLoader(dir)
	if err != nil {
		return nil, errs.Wrap(err, errs.Config, "template directory %s", dir)
	}
	r := &Renderer{
		dir:   dir,
		set:   pongo2.NewSet("descriptions", loader),
		names: make(map[string]string, len(names)),
	}
	for name, desc := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			log.Warn("Template %s is not present in %s", name, dir)
			continue
		}
		r.names[name] = desc
	}
	return r, nil
}

// Names returns the usable templates and their descriptions.
func (r *Renderer) Names() map[string]string {
	out := make(map[string]string, len(r.names))
	for k, v := range r.names {
		out[k] = v
	}
	return out
}

func (r *Renderer) HasTemplate(name string) bool {
	_, ok := r.names[name]
	return ok
}

// Description renders the named template, which must be on the allow-list.
func (r *Renderer) Description(name string, ctx Context) (string, error) {
	if !r.HasTemplate(name) {
		return "", errs.New(errs.NotFound, "template %q is not configured", name)
	}
	tpl, err := r.set.FromFile(name)
	if err != nil {
		return "", errs.Wrap(err, errs.BuildFailed, "parse template %s", name).
			WithUserMessage("Failed to render description")
	}
	out, err := tpl.Execute(ctx)
	if err != nil {
		return "", errs.Wrap(err, errs.BuildFailed, "render template %s", name).
			WithUserMessage("Failed to render description")
	}
	return out, nil
}

// Title renders an inline title template and collapses runs of whitespace.
func Title(tpl string, ctx Context) (string, error) {
	disableAutoescape()
	t, err := pongo2.FromString(tpl)
	if err != nil {
		return "", errs.Wrap(err, errs.Config, "parse title template")
	}
	out, err := t.Execute(ctx)
	if err != nil {
		return "", errs.Wrap(err, errs.BuildFailed, "render title").
			WithUserMessage("Failed to render title")
	}
	return strings.Join(strings.Fields(out), " "), nil
}

// FormatDate reformats an ISO date (YYYY-MM-DD) with a strftime layout. The
// glibc no-padding flag ("%-d") is honored. Unparseable dates are returned
// unchanged.
func FormatDate(layout, date string) string {
	if date == "" {
		return ""
	}
	t, err := time.Parse(time.DateOnly, date)
	if err != nil {
		log.Debug("Unparseable scene date %q: %v", date, err)
		return date
	}
	if layout == "" {
		layout = DefaultDateFormat
	}
	var b strings.Builder
	start := 0
	for i := 0; i+1 < len(layout); i++ {
		if layout[i] != '%' {
			continue
		}
		if layout[i+1] == '%' {
			i++
			continue
		}
		if layout[i+1] != '-' || i+2 >= len(layout) {
			continue
		}
		b.WriteString(strftime.Format(layout[start:i], t))
		v := strings.TrimLeft(strftime.Format("%"+layout[i+2:i+3], t), "0 ")
		if v == "" {
			v = "0"
		}
		b.WriteString(v)
		i += 2
		start = i + 1
	}
	b.WriteString(strftime.Format(layout[start:], t))
	return b.String()
}

// InstallDefaults copies the bundled templates into dir, leaving existing
// files alone. It returns the names that were written.
func InstallDefaults(dir string) ([]string, error) {
	if err := file.EnsureDir(dir); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(defaultTemplates, "templates")
	if err != nil {
		return nil, err
	}
	var written []string
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := defaultTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return written, err
		}
		if err := file.WriteAtomic(dst, data, 0o644); err != nil {
			return written, err
		}
		log.Info("Installed template %s", e.Name())
		written = append(written, e.Name())
	}
	sort.Strings(written)
	return written, nil
}
