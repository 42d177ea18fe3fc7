package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/relay/internal/stats"
)

// ReportFilename is the attachment name of the text report.
const ReportFilename = "relay-report.txt"

// RenderText formats a summary as the plain-text report.
func RenderText(s stats.Summary) string {
	var b strings.Builder
	b.WriteString("relay report\n")
	b.WriteString("============\n")
	fmt.Fprintf(&b, "job:             %s\n", s.JobID)
	fmt.Fprintf(&b, "state:           %s\n", s.State)
	fmt.Fprintf(&b, "targets:         %d\n", s.TotalTargets)
	fmt.Fprintf(&b, "sent:            %d\n", s.Sent)
	fmt.Fprintf(&b, "delivery errors: %d\n", s.DeliveryErrors)
	fmt.Fprintf(&b, "total errors:    %d\n", s.Errors)
	fmt.Fprintf(&b, "rotations:       %d\n", s.Rotations)
	fmt.Fprintf(&b, "started:         %s\n", s.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "finished:        %s\n", s.FinishedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "duration:        %s\n", s.Duration().Round(time.Millisecond))
	if s.Reason != "" {
		fmt.Fprintf(&b, "reason:          %s\n", s.Reason)
	}
	return b.String()
}

// RenderJSON formats a summary as indented JSON.
func RenderJSON(s stats.Summary) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
