package credential

import (
	"context"

	"github.com/ignite/relay/internal/domain"
)

// StaticSource serves the same configured credential set on every call.
type StaticSource struct {
	name  string
	creds domain.Credentials
}

// NewStaticSource creates a static source.
func NewStaticSource(name string, creds domain.Credentials) *StaticSource {
	return &StaticSource{name: name, creds: creds}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(ctx context.Context) (domain.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return domain.Credentials{}, err
	}
	return s.creds, nil
}
