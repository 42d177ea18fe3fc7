//go:build ignore
// +build ignore

// Load test for a running relay: submits one job against a sink domain and
// measures the progress stream.
//
// Usage:
//
//	go run scripts/dispatch_loadtest.go \
//	  --url=http://localhost:3333 \
//	  --key=$RELAY_AUTH_KEY \
//	  --targets=2000 \
//	  --batch-size=50
//
// Point the relay's transport at a local SMTP sink (MailHog, smtp4dev) when
// running this; the targets are generated on the reserved example.invalid
// domain.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type event struct {
	Type       string `json:"type"`
	JobID      string `json:"job_id"`
	Percent    int    `json:"percent"`
	Sent       int64  `json:"sent"`
	Errors     int64  `json:"errors"`
	Credential string `json:"credential"`
	Batch      int    `json:"batch"`
	ETASeconds int    `json:"eta"`
	Reason     string `json:"reason"`
}

func percentile(durations []time.Duration, p int) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * p) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func main() {
	url := flag.String("url", "http://localhost:3333", "relay base URL")
	key := flag.String("key", "", "submission key")
	n := flag.Int("targets", 1000, "number of generated targets")
	batchSize := flag.Int("batch-size", 25, "batch size")
	flag.Parse()

	run := uuid.New().String()[:8]
	targets := make([]string, *n)
	for i := range targets {
		targets[i] = fmt.Sprintf("load-%s-%d@example.invalid", run, i)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"key":        *key,
		"targets":    targets,
		"batch_size": *batchSize,
		"template": map[string]string{
			"subject": "Load test {{ id }}",
			"body":    "<p>Hello {{ target | mask_email }}, sent by {{ sender }}.</p>",
		},
	})

	start := time.Now()
	resp, err := http.Post(strings.TrimRight(*url, "/")+"/api/dispatch", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&e)
		log.Fatalf("submit rejected: %d %s", resp.StatusCode, e["error"])
	}

	var (
		gaps     []time.Duration
		last     = start
		terminal event
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			log.Printf("bad event: %v", err)
			continue
		}
		now := time.Now()
		if ev.Type == "progress" {
			gaps = append(gaps, now.Sub(last))
			last = now
			fmt.Printf("  %3d%%  sent=%-6d errors=%-4d via %s  eta=%ds\n", ev.Percent, ev.Sent, ev.Errors, ev.Credential, ev.ETASeconds)
			continue
		}
		terminal = ev
	}
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Printf("job %s: %s after %s\n", terminal.JobID, terminal.Type, elapsed.Round(time.Millisecond))
	if terminal.Reason != "" {
		fmt.Printf("reason: %s\n", terminal.Reason)
	}
	fmt.Printf("sent=%d errors=%d throughput=%.1f/s\n", terminal.Sent, terminal.Errors, float64(terminal.Sent)/elapsed.Seconds())
	fmt.Printf("batch interval p50=%s p95=%s p99=%s\n", percentile(gaps, 50), percentile(gaps, 95), percentile(gaps, 99))
}
