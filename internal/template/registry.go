package template

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrNotDefined: no template with the requested name exists in the source.
var ErrNotDefined = eris.New("template not defined")

// Source provides template definitions from an external location.
type Source interface {
	Load(ctx context.Context) ([]Template, error)
}

// FileSource loads templates from a yaml file:
//
//	templates:
//	  - name: intro-v2
//	    channel: email
//	    subject: "Quick question, {{first_name}}"
//	    body: "Hi {{first_name}}, ..."
type FileSource struct {
	Path string
}

func (f *FileSource) Load(_ context.Context) ([]Template, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "template: read %s", f.Path)
	}
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "template: parse %s", f.Path)
	}
	for i := range doc.Templates {
		if err := doc.Templates[i].Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Templates, nil
}

// Registry resolves templates by name, reading through a TTL cache.
type Registry struct {
	source Source
	cache  *Cache
}

// NewRegistry creates a Registry over source with the given cache TTL.
func NewRegistry(source Source, ttl time.Duration) *Registry {
	return &Registry{source: source, cache: NewCache(ttl)}
}

// Get returns the named template, loading from the source on a cache miss.
// A miss reloads and caches the full set, so a bulk run touches the source
// once per TTL window.
func (r *Registry) Get(ctx context.Context, name string) (*Template, error) {
	if tmpl := r.cache.Get(name); tmpl != nil {
		return tmpl, nil
	}

	templates, err := r.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	var found *Template
	for i := range templates {
		tmpl := templates[i]
		r.cache.Set(&tmpl)
		if tmpl.Name == name {
			found = &tmpl
		}
	}
	if found == nil {
		return nil, eris.Wrapf(ErrNotDefined, "template: %s", name)
	}
	zap.L().Debug("template cache refreshed", zap.String("requested", name), zap.Int("loaded", len(templates)))
	return found, nil
}

// Invalidate forces the next Get of name to reload from the source.
func (r *Registry) Invalidate(name string) {
	r.cache.Invalidate(name)
}

// InvalidateAll forces a full reload on the next Get.
func (r *Registry) InvalidateAll() {
	r.cache.InvalidateAll()
}
