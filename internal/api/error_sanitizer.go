package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httputil"
	"github.com/ignite/relay/internal/pkg/logger"
)

const genericServerError = "An internal error occurred"

// Substring classes for errors that carry no sentinel, checked in order
// against the lowercased error text.
var publicMessages = []struct {
	needles []string
	message string
}{
	{[]string{"connection refused", "connection reset", "no such host", "dial tcp"}, "Service temporarily unavailable"},
	{[]string{"timeout", "deadline exceeded"}, "Request timed out"},
	{[]string{"sql", "pq:", "redis", "lock", "dynamodb", "s3:"}, "A storage error occurred"},
	{[]string{"permission", "access denied"}, "Access denied"},
}

// respondSafeError writes code with a message fit for clients. Server
// errors are logged in full and answered with a generic message so broker
// URLs, SQL and SMTP replies stay server-side.
func respondSafeError(w http.ResponseWriter, code int, err error) {
	msg := safeErrorMessage(code, err)
	if code >= 500 && err != nil {
		logger.Error("request failed", "status", code, "public", msg, "error", err)
	}
	httputil.Error(w, code, msg)
}

// safeErrorMessage returns the error text for client errors and a
// classified generic message for server errors.
func safeErrorMessage(code int, err error) string {
	if code < 500 {
		if err == nil {
			return "Bad request"
		}
		return err.Error()
	}
	if err == nil {
		return genericServerError
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "Request timed out"
	case errors.Is(err, context.Canceled):
		return "Request cancelled"
	case errors.Is(err, domain.ErrHarvest):
		return "Credential source unavailable"
	case errors.Is(err, domain.ErrTransportSetup):
		return "Delivery transport unavailable"
	}

	text := strings.ToLower(err.Error())
	for _, class := range publicMessages {
		for _, n := range class.needles {
			if strings.Contains(text, n) {
				return class.message
			}
		}
	}
	return genericServerError
}
