package config

import (
	"errors"
	"fmt"
)

// Validate checks the settings the server cannot start without and returns
// every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.Key == "" {
		errs = append(errs, errors.New("auth.key is required (or RELAY_AUTH_KEY)"))
	}
	if c.Dispatch.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("dispatch.batch_size must be positive, got %d", c.Dispatch.BatchSize))
	}
	if c.Dispatch.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("dispatch.concurrency must be positive, got %d", c.Dispatch.Concurrency))
	}
	if c.Dispatch.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("dispatch.rate_per_second must not be negative, got %d", c.Dispatch.RatePerSecond))
	}
	switch c.Transport.Type {
	case "smtp":
	case "ses":
		if c.Transport.FromAddress == "" {
			errs = append(errs, errors.New("transport.from_address is required for ses"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.type %q is not one of smtp, ses", c.Transport.Type))
	}

	if len(c.Credentials.Sources) == 0 {
		errs = append(errs, errors.New("credentials.sources must list at least one source"))
	}
	seen := make(map[string]bool)
	for i, s := range c.Credentials.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("credentials.sources[%d].name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("credentials.sources[%d].name %q is duplicated", i, s.Name))
		}
		seen[s.Name] = true

		switch s.Type {
		case SourceStatic:
			if s.Identity == "" || s.Endpoint == "" {
				errs = append(errs, fmt.Errorf("credentials.sources[%d] (%s): static source needs identity and endpoint", i, s.Name))
			}
		case SourceSQL:
			if c.Database.URL == "" {
				errs = append(errs, fmt.Errorf("credentials.sources[%d] (%s): sql source needs database.url", i, s.Name))
			}
		case SourceHTTP:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("credentials.sources[%d] (%s): http source needs url", i, s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("credentials.sources[%d] (%s): unknown type %q", i, s.Name, s.Type))
		}
	}

	return errors.Join(errs...)
}
