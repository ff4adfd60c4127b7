package collector

import (
	"context"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/merge"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/pkg/notion"
)

// Notion collects queued prospects from a Notion database. Each page id
// doubles as the idempotency key, so re-running a collection before the
// pages are marked imported cannot duplicate observations.
type Notion struct {
	client notion.Client
	dbID   string
}

// NewNotion creates a Notion collector over the given prospect database.
func NewNotion(client notion.Client, dbID string) *Notion {
	return &Notion{client: client, dbID: dbID}
}

// Collect fetches all pages with Status = "Queued" and shapes them into
// merge records. Pages without a contact property are emitted with an empty
// identity so the merger reports them as invalid.
func (n *Notion) Collect(ctx context.Context) ([]merge.Record, error) {
	pages, err := notion.QueryQueuedProspects(ctx, n.client, n.dbID)
	if err != nil {
		return nil, eris.Wrap(err, "collector: notion")
	}

	now := time.Now().UTC()
	records := make([]merge.Record, 0, len(pages))
	for _, page := range pages {
		rec := merge.Record{
			IdempotencyKey: "notion:" + string(page.ID),
			SourceTag:      "notion",
			ObservedAt:     now,
			Payload: map[string]any{
				"notion_page_id": string(page.ID),
			},
		}
		rec.Fields.Source = "notion"

		email := propertyText(page.Properties, "Email")
		phone := propertyText(page.Properties, "Phone")
		switch {
		case email != "":
			rec.Identity = email
		case phone != "":
			rec.Identity = phone
		}

		rec.Fields.Name = propertyText(page.Properties, "Name")
		rec.Fields.Company = propertyText(page.Properties, "Company")
		rec.Fields.Title = propertyText(page.Properties, "Title")
		if ch := propertyText(page.Properties, "Channel"); ch != "" {
			rec.Fields.Channel = model.Channel(strings.ToLower(ch))
		}

		for name, value := range map[string]string{
			"email": email, "phone": phone,
			"name": rec.Fields.Name, "company": rec.Fields.Company, "title": rec.Fields.Title,
		} {
			if value != "" {
				rec.Payload[name] = value
			}
		}

		records = append(records, rec)
	}

	zap.L().Info("notion prospects collected",
		zap.String("database", n.dbID),
		zap.Int("pages", len(records)),
	)
	return records, nil
}

// MarkImported flips the given pages to Status = "Imported". Failures are
// logged and skipped: a page left queued is re-collected next run and its
// idempotency key makes the replay harmless.
func (n *Notion) MarkImported(ctx context.Context, pageIDs []string) {
	for _, id := range pageIDs {
		if err := notion.MarkImported(ctx, n.client, id); err != nil {
			zap.L().Warn("prospect page not marked imported",
				zap.String("page_id", id),
				zap.Error(err),
			)
		}
	}
}

// propertyText extracts a plain string from the Notion property types the
// prospect database uses.
func propertyText(props notionapi.Properties, name string) string {
	prop, ok := props[name]
	if !ok {
		return ""
	}
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		return richTextPlain(p.Title)
	case *notionapi.RichTextProperty:
		return richTextPlain(p.RichText)
	case *notionapi.EmailProperty:
		return strings.TrimSpace(p.Email)
	case *notionapi.PhoneNumberProperty:
		return strings.TrimSpace(p.PhoneNumber)
	case *notionapi.SelectProperty:
		return strings.TrimSpace(p.Select.Name)
	case *notionapi.URLProperty:
		return strings.TrimSpace(p.URL)
	}
	return ""
}

func richTextPlain(parts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range parts {
		b.WriteString(rt.PlainText)
	}
	return strings.TrimSpace(b.String())
}
