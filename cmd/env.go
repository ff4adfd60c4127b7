package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/campaign"
	"github.com/sells-group/outreach-cli/internal/enrich"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/template"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
	"github.com/sells-group/outreach-cli/pkg/messenger"
	sfpkg "github.com/sells-group/outreach-cli/pkg/salesforce"
)

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "outreach.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func initRegistry() *template.Registry {
	return template.NewRegistry(
		&template.FileSource{Path: cfg.Templates.Path},
		time.Duration(cfg.Templates.TTLSeconds)*time.Second,
	)
}

func initSender() (messenger.Sender, error) {
	if cfg.Messenger.BaseURL == "" {
		return nil, eris.New("messenger base URL is required (OUTREACH_MESSENGER_BASE_URL)")
	}
	return messenger.NewHTTP(cfg.Messenger.BaseURL, cfg.Messenger.APIKey,
		messenger.WithRateLimit(cfg.Messenger.RatePerSecond),
		messenger.WithTimeout(time.Duration(cfg.Messenger.TimeoutSecs)*time.Second),
		messenger.WithRetry(resilience.Backoff{Attempts: cfg.Messenger.RetryAttempts}),
		messenger.WithBreaker(resilience.NewBreaker(5, 30*time.Second)),
	), nil
}

// initEnricher returns nil when enrichment is disabled; the runner falls
// back to base template parameters.
func initEnricher(st store.Store) campaign.Enricher {
	if !cfg.Anthropic.Enabled || cfg.Anthropic.APIKey == "" {
		return nil
	}
	return enrich.New(anthropic.NewClient(cfg.Anthropic.APIKey), st, cfg.Anthropic)
}

func initRunner(st store.Store) (*campaign.Runner, error) {
	sender, err := initSender()
	if err != nil {
		return nil, err
	}
	return campaign.NewRunner(st, initRegistry(), sender, initEnricher(st), cfg.Campaign), nil
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.Domain == "" || cfg.Salesforce.ConsumerKey == "" {
		return nil, eris.New("salesforce domain and consumer key are required")
	}
	return sfpkg.Connect(cfg.Salesforce.Domain, cfg.Salesforce.ConsumerKey, cfg.Salesforce.ConsumerSecret)
}
