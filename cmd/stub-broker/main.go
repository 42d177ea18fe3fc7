// Command stub-broker serves operator-owned credentials from a local YAML
// file in the document shape the "http" credential source expects. It is
// for local testing only; production relays point at the real secrets
// broker.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/yaml.v3"

	"github.com/ignite/relay/internal/pkg/httputil"
	"github.com/ignite/relay/internal/pkg/logger"
)

// credentialDoc matches the broker document read by credential.HTTPSource.
type credentialDoc struct {
	Identity string `yaml:"identity" json:"identity"`
	Secret   string `yaml:"secret" json:"secret"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Port     int    `yaml:"port" json:"port"`
}

// brokerFile is the stub's YAML input: pools of credentials keyed by name.
type brokerFile struct {
	Token string                     `yaml:"token"`
	Pools map[string][]credentialDoc `yaml:"pools"`
}

// broker hands out each pool's credentials in turn.
type broker struct {
	token []byte
	pools map[string][]credentialDoc

	mu   sync.Mutex
	next map[string]int
}

func loadBroker(path string) (*broker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f brokerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Pools) == 0 {
		return nil, errors.New("no pools configured")
	}
	return newBroker(f), nil
}

func newBroker(f brokerFile) *broker {
	return &broker{token: []byte(f.Token), pools: f.Pools, next: make(map[string]int)}
}

func (b *broker) issue(pool string) (credentialDoc, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	docs := b.pools[pool]
	if len(docs) == 0 {
		return credentialDoc{}, false
	}
	i := b.next[pool] % len(docs)
	b.next[pool] = i + 1
	return docs[i], true
}

func (b *broker) authorized(r *http.Request) bool {
	if len(b.token) == 0 {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), b.token) == 1
}

func (b *broker) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.OK(w, map[string]string{"status": "healthy", "service": "relay-stub-broker"})
	})
	r.Get("/credentials/{pool}", func(w http.ResponseWriter, r *http.Request) {
		if !b.authorized(r) {
			httputil.Error(w, http.StatusUnauthorized, "invalid token")
			return
		}
		pool := chi.URLParam(r, "pool")
		doc, ok := b.issue(pool)
		if !ok {
			httputil.NotFound(w, "unknown pool")
			return
		}
		logger.Info("credential issued", "pool", pool, "identity", doc.Identity)
		httputil.OK(w, doc)
	})
	return r
}

func main() {
	path := "config/stub-broker.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	addr := os.Getenv("STUB_BROKER_ADDR")
	if addr == "" {
		addr = "localhost:8089"
	}

	b, err := loadBroker(path)
	if err != nil {
		logger.Error("failed to load broker file", "path", path, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           b.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	go func() {
		logger.Warn("stub broker is for local testing only", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
