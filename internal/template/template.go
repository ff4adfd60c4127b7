// Package template loads message templates from an external source and
// renders them with per-lead parameters. Reads go through a TTL cache so a
// bulk run does not re-read the source for every item.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Template is one named message template. Subject is only meaningful for
// the email channel.
type Template struct {
	Name    string        `yaml:"name"`
	Channel model.Channel `yaml:"channel"`
	Subject string        `yaml:"subject,omitempty"`
	Body    string        `yaml:"body"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Validate checks the fields a template needs before it can be registered.
func (t *Template) Validate() error {
	if t.Name == "" {
		return eris.New("template: missing name")
	}
	if t.Body == "" {
		return eris.Errorf("template %s: missing body", t.Name)
	}
	return nil
}

// Params returns the distinct placeholder names used by the template.
func (t *Template) Params() []string {
	seen := map[string]bool{}
	var params []string
	for _, text := range []string{t.Subject, t.Body} {
		for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				params = append(params, m[1])
			}
		}
	}
	return params
}

// Rendered is a template with all placeholders substituted.
type Rendered struct {
	Subject string
	Body    string
}

// Render substitutes {{param}} placeholders from params. Every placeholder
// must be bound; a missing parameter is an error rather than a blank in an
// outbound message.
func (t *Template) Render(params map[string]string) (*Rendered, error) {
	var missing []string
	expand := func(text string) string {
		return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
			name := placeholderRe.FindStringSubmatch(m)[1]
			val, ok := params[name]
			if !ok {
				missing = append(missing, name)
				return m
			}
			return val
		})
	}

	out := &Rendered{Subject: expand(t.Subject), Body: expand(t.Body)}
	if len(missing) > 0 {
		return nil, eris.New(fmt.Sprintf("template %s: unbound parameters: %s", t.Name, strings.Join(missing, ", ")))
	}
	return out, nil
}
