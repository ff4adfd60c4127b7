package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
)

func TestTemplate_Render(t *testing.T) {
	tmpl := &Template{
		Name:    "intro-v2",
		Channel: model.ChannelEmail,
		Subject: "Quick question, {{first_name}}",
		Body:    "Hi {{first_name}}, saw {{company}} is growing. {{ opener }}",
	}

	out, err := tmpl.Render(map[string]string{
		"first_name": "Jane",
		"company":    "Acme",
		"opener":     "Congrats on the launch.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Quick question, Jane", out.Subject)
	assert.Equal(t, "Hi Jane, saw Acme is growing. Congrats on the launch.", out.Body)
}

func TestTemplate_Render_MissingParam(t *testing.T) {
	tmpl := &Template{Name: "t", Body: "Hi {{first_name}} from {{company}}"}

	_, err := tmpl.Render(map[string]string{"first_name": "Jane"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "company")
}

func TestTemplate_Params(t *testing.T) {
	tmpl := &Template{
		Subject: "{{first_name}}",
		Body:    "{{first_name}} at {{company}}",
	}
	assert.Equal(t, []string{"first_name", "company"}, tmpl.Params())
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewCache(10 * time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set(&Template{Name: "intro-v2", Body: "x"})
	require.NotNil(t, c.Get("intro-v2"))

	now = now.Add(11 * time.Minute)
	assert.Nil(t, c.Get("intro-v2"), "entry past TTL must not be served")
}

func TestCache_NoTTLNeverExpires(t *testing.T) {
	c := NewCache(0)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set(&Template{Name: "intro-v2", Body: "x"})
	now = now.Add(1000 * time.Hour)
	assert.NotNil(t, c.Get("intro-v2"))
}

func TestCache_Invalidate(t *testing.T) {
	c := NewCache(time.Hour)
	c.Set(&Template{Name: "a", Body: "x"})
	c.Set(&Template{Name: "b", Body: "y"})

	c.Invalidate("a")
	assert.Nil(t, c.Get("a"))
	assert.NotNil(t, c.Get("b"))

	c.InvalidateAll()
	assert.Zero(t, c.Len())
}

type countingSource struct {
	loads     int
	templates []Template
}

func (s *countingSource) Load(context.Context) ([]Template, error) {
	s.loads++
	return s.templates, nil
}

func TestRegistry_GetReadsThroughCache(t *testing.T) {
	src := &countingSource{templates: []Template{
		{Name: "intro-v2", Channel: model.ChannelEmail, Body: "Hi {{first_name}}"},
		{Name: "followup", Channel: model.ChannelEmail, Body: "Bump"},
	}}
	reg := NewRegistry(src, time.Hour)
	ctx := context.Background()

	tmpl, err := reg.Get(ctx, "intro-v2")
	require.NoError(t, err)
	assert.Equal(t, "intro-v2", tmpl.Name)
	assert.Equal(t, 1, src.loads)

	// Both names were cached by the single load.
	_, err = reg.Get(ctx, "followup")
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads)

	reg.Invalidate("followup")
	_, err = reg.Get(ctx, "followup")
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}

func TestRegistry_UnknownTemplate(t *testing.T) {
	reg := NewRegistry(&countingSource{}, time.Hour)

	_, err := reg.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not defined")
}

func TestFileSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - name: intro-v2
    channel: email
    subject: "Quick question, {{first_name}}"
    body: "Hi {{first_name}}"
  - name: dm-intro
    channel: dm
    body: "Hey {{first_name}}"
`), 0o644))

	src := &FileSource{Path: path}
	templates, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, model.ChannelDM, templates[1].Channel)
}

func TestFileSource_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - name: broken
`), 0o644))

	_, err := (&FileSource{Path: path}).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing body")
}
