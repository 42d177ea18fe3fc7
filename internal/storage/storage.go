// Package storage keeps finished job summaries: a bounded in-memory
// history, optional JSON files on local disk, and an optional AWS archive
// (S3 report objects plus a DynamoDB job index).
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/stats"
)

// Storage provides persistent storage for job summaries
type Storage struct {
	config config.ReportConfig
	mu     sync.RWMutex

	// AWS storage (optional)
	aws *AWSStorage

	// newest last
	history []stats.Summary
}

// New creates a Storage. The AWS archive is attached separately with
// AttachAWS so tests and local runs need no AWS configuration.
func New(cfg config.ReportConfig) (*Storage, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	s := &Storage{config: cfg}

	if cfg.LocalPath != "" {
		if err := os.MkdirAll(filepath.Join(cfg.LocalPath, "jobs"), 0755); err != nil {
			return nil, fmt.Errorf("creating report directory: %w", err)
		}
		if err := s.loadFromDisk(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AttachAWS adds the AWS archive backend.
func (s *Storage) AttachAWS(a *AWSStorage) {
	s.mu.Lock()
	s.aws = a
	s.mu.Unlock()
}

// SaveSummary records a finished job everywhere that is configured. The
// in-memory history is always updated; backend failures are returned
// joined after all backends have been tried.
func (s *Storage) SaveSummary(ctx context.Context, summary stats.Summary) error {
	s.mu.Lock()
	s.history = append(s.history, summary)
	if over := len(s.history) - s.config.HistorySize; over > 0 {
		s.history = append([]stats.Summary(nil), s.history[over:]...)
	}
	aws := s.aws
	s.mu.Unlock()

	var errs []error
	if s.config.LocalPath != "" {
		if err := s.saveToFile("jobs", summary.JobID, summary); err != nil {
			errs = append(errs, fmt.Errorf("local archive: %w", err))
		}
	}
	if aws != nil {
		if err := aws.SaveSummary(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		for _, err := range errs {
			logger.Warn("job summary archive failed", "job_id", summary.JobID, "error", err)
		}
		return fmt.Errorf("archiving job %s: %v", summary.JobID, errs)
	}
	return nil
}

// Recent returns up to limit summaries, newest first. The DynamoDB index is
// consulted when configured so history survives restarts across replicas.
func (s *Storage) Recent(ctx context.Context, limit int) ([]stats.Summary, error) {
	if limit <= 0 || limit > s.config.HistorySize {
		limit = s.config.HistorySize
	}

	s.mu.RLock()
	aws := s.aws
	s.mu.RUnlock()
	if aws != nil && aws.HasIndex() {
		return aws.RecentJobs(ctx, limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit > n {
		limit = n
	}
	result := make([]stats.Summary, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, s.history[i])
	}
	return result, nil
}

// saveToFile saves data to a JSON file
func (s *Storage) saveToFile(category, key string, data interface{}) error {
	dir := filepath.Join(s.config.LocalPath, category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Sanitize key for filename
	safeKey := filepath.Base(key)
	path := filepath.Join(dir, safeKey+".json")

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// loadFromDisk seeds the in-memory history from archived job files
func (s *Storage) loadFromDisk() error {
	dir := filepath.Join(s.config.LocalPath, "jobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var loaded []stats.Summary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var summary stats.Summary
		if err := json.Unmarshal(data, &summary); err == nil {
			loaded = append(loaded, summary)
		}
	}

	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].FinishedAt.Before(loaded[j].FinishedAt)
	})
	if over := len(loaded) - s.config.HistorySize; over > 0 {
		loaded = loaded[over:]
	}
	s.history = loaded
	return nil
}
