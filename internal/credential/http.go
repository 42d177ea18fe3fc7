package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httpretry"
)

// maxDocumentBytes caps the broker response read into memory.
const maxDocumentBytes = 64 << 10

// brokerDocument is the JSON shape served by the secrets broker.
type brokerDocument struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
	Endpoint string `json:"endpoint"`
	Port     int    `json:"port"`
}

// HTTPSource fetches short-lived credentials from an internal secrets broker.
// The broker answers GET <url> with a brokerDocument.
type HTTPSource struct {
	name   string
	url    string
	token  string
	client httpretry.HTTPDoer
}

// NewHTTPSource creates a broker-backed source. client is usually a
// *httpretry.RetryClient.
func NewHTTPSource(name, url, token string, client httpretry.HTTPDoer) *HTTPSource {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 1)
	}
	return &HTTPSource{name: name, url: url, token: token, client: client}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context) (domain.Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("broker unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("read broker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Credentials{}, fmt.Errorf("broker returned status %d", resp.StatusCode)
	}

	var doc brokerDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.Credentials{}, fmt.Errorf("malformed broker document: %w", err)
	}
	creds := domain.Credentials{
		Identity: doc.Identity,
		Secret:   doc.Secret,
		Endpoint: doc.Endpoint,
		Port:     doc.Port,
	}
	if err := creds.Validate(); err != nil {
		return domain.Credentials{}, fmt.Errorf("malformed broker document: %w", err)
	}
	return creds, nil
}
