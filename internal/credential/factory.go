package credential

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httpretry"
)

// BuildSources turns the configured source list into Sources in rotation
// order. db may be nil when no sql source is configured.
func BuildSources(cfgs []config.SourceConfig, db *sql.DB) ([]Source, error) {
	sources := make([]Source, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Type {
		case config.SourceStatic:
			sources = append(sources, NewStaticSource(c.Name, domain.Credentials{
				Identity: c.Identity,
				Secret:   c.Secret,
				Endpoint: c.Endpoint,
				Port:     c.Port,
			}))
		case config.SourceSQL:
			if db == nil {
				return nil, fmt.Errorf("source %s: sql source needs a database connection", c.Name)
			}
			sources = append(sources, NewSQLSource(c.Name, c.Pool, db))
		case config.SourceHTTP:
			var base httpretry.HTTPDoer
			if c.TimeoutSeconds > 0 {
				base = &http.Client{Timeout: c.Timeout()}
			}
			sources = append(sources, NewHTTPSource(c.Name, c.URL, c.Token, httpretry.NewRetryClient(base, c.MaxRetries)))
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", c.Name, c.Type)
		}
	}
	return sources, nil
}
