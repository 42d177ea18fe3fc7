// Package mailing renders message templates with the Liquid template
// language. Templates may only reference the closed placeholder set in
// domain.TemplateVariables.
package mailing

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
)

// Variables are the per-recipient values bound into a template.
type Variables struct {
	Target domain.Target
	ID     int64
	Sender string
	Link   string
}

func (v Variables) bindings() map[string]interface{} {
	link := v.Link
	if link == "" {
		link = domain.DefaultLink
	}
	return map[string]interface{}{
		domain.VarTarget: string(v.Target),
		domain.VarID:     v.ID,
		domain.VarSender: v.Sender,
		domain.VarLink:   link,
	}
}

// Message is a rendered subject and body for one recipient.
type Message struct {
	Subject string
	Body    string
}

// TemplateService handles Liquid template rendering with caching
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a new template service with custom filters
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerCustomFilters()
	return ts
}

func (ts *TemplateService) registerCustomFilters() {
	// {{ sender | default: "Support" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	ts.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ target | email_domain }}
	ts.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})

	ts.engine.RegisterFilter("mask_email", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) != 2 {
			return email
		}
		if len(parts[0]) <= 2 {
			return parts[0] + "***@" + parts[1]
		}
		return parts[0][:2] + "***@" + parts[1]
	})
}

// Validate parses the subject and body and rejects placeholders outside the
// recognized set. Errors wrap domain.ErrInvalidJob.
func (ts *TemplateService) Validate(tmpl domain.MessageTemplate) error {
	for _, part := range []struct{ name, src string }{
		{"subject", tmpl.Subject},
		{"body", tmpl.Body},
	} {
		tpl, err := ts.compile(part.src)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrInvalidJob, part.name, err)
		}
		if unknown := UnknownVariables(tpl); len(unknown) > 0 {
			return fmt.Errorf("%w: %s uses unknown placeholders %s (allowed: %s)",
				domain.ErrInvalidJob, part.name,
				strings.Join(unknown, ", "), strings.Join(domain.TemplateVariables, ", "))
		}
	}
	return nil
}

// Render produces the subject and body for one recipient.
func (ts *TemplateService) Render(tmpl domain.MessageTemplate, vars Variables) (Message, error) {
	if vars.Link == "" {
		vars.Link = tmpl.LinkOrDefault()
	}
	bindings := vars.bindings()

	subject, err := ts.render(tmpl.Subject, bindings)
	if err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := ts.render(tmpl.Body, bindings)
	if err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	return Message{Subject: subject, Body: body}, nil
}

func (ts *TemplateService) render(src string, bindings map[string]interface{}) (string, error) {
	if src == "" {
		return "", nil
	}
	tpl, err := ts.compile(src)
	if err != nil {
		return "", err
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		logger.Warn("template render failed", "error", err)
		return "", err
	}
	return out, nil
}

// compile parses src, caching by source text. Every recipient of a job
// shares the same two templates.
func (ts *TemplateService) compile(src string) (*liquid.Template, error) {
	if cached, ok := ts.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := ts.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	ts.cache.Store(src, tpl)
	return tpl, nil
}

// ClearCache removes all cached templates
func (ts *TemplateService) ClearCache() {
	ts.cache.Range(func(k, _ interface{}) bool {
		ts.cache.Delete(k)
		return true
	})
}
