package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrRetryFailed      = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrClientHTTPError  = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError  = errors.New("server HTTP error (5xx)")
	ErrOtherHTTPError   = errors.New("other HTTP error (non-2xx)")
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrScopeViolation   = errors.New("URL out of scope (host/pattern)")
	ErrMaxDepthExceeded = errors.New("maximum crawl depth exceeded")
	ErrParsing          = errors.New("parsing error")
	ErrFilesystem       = errors.New("filesystem error")
	ErrDatabase         = errors.New("database error")
	ErrSemaphoreTimeout = errors.New("timeout acquiring semaphore")
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrMarkdownExport   = errors.New("failed to export HTML as markdown")
	ErrConfigValidation = errors.New("configuration validation error")
	ErrPathResolution   = errors.New("cannot resolve save path")
	ErrEncoding         = errors.New("text encoding error")
	ErrWorkerFault      = errors.New("worker fault")
	ErrDisposed         = errors.New("disposed")
	ErrNotTransferable  = errors.New("payload is not transferable")
)

// WrapErrorf wraps sentinel with a formatted message so errors.Is still matches.
func WrapErrorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Log sink categories.
const (
	SinkRetry    = "retry"
	SinkSkip     = "skip"
	SinkError    = "error"
	SinkNotFound = "404"
)

// SinkFor picks the log sink a failed resource belongs in.
func SinkFor(err error) string {
	switch cat := CategorizeError(err); {
	case cat == "HTTP_404" || cat == "RetryFailed_HTTP404":
		return SinkNotFound
	case strings.HasPrefix(cat, "Policy_"):
		return SinkSkip
	case strings.HasPrefix(cat, "RetryFailed_"):
		return SinkRetry
	default:
		return SinkError
	}
}

type matcher struct {
	sentinel error
	category string
}

// Checked in order; the first sentinel found in the chain wins.
var sentinelCategories = []matcher{
	{ErrServerHTTPError, "HTTP_5xx"},
	{ErrOtherHTTPError, "HTTP_OtherStatus"},
	{ErrRobotsDisallowed, "Policy_Robots"},
	{ErrScopeViolation, "Policy_Scope"},
	{ErrMaxDepthExceeded, "Policy_MaxDepth"},
	{ErrPathResolution, "Path_Resolution"},
	{ErrWorkerFault, "Worker_Fault"},
	{ErrDisposed, "Pool_Disposed"},
	{ErrNotTransferable, "Pool_NotTransferable"},
	{ErrEncoding, "Content_Encoding"},
	{ErrMarkdownExport, "Content_Markdown"},
	{ErrDatabase, "Database_Other"},
	{ErrSemaphoreTimeout, "Resource_SemaphoreTimeout"},
	{ErrRequestCreation, "Internal_RequestCreation"},
	{ErrResponseBodyRead, "Network_BodyRead"},
	{ErrConfigValidation, "Config_Validation"},
}

var clientStatuses = []string{"404", "403", "401", "429"}

var parseKinds = []string{"URL", "HTML", "CSS", "XML"}

var filesystemCauses = []matcher{
	{os.ErrPermission, "Filesystem_Permission"},
	{os.ErrNotExist, "Filesystem_NotExist"},
	{os.ErrExist, "Filesystem_Exist"},
}

// Lower-case message fragments of transport failures.
var networkHints = []struct{ fragment, suffix string }{
	{"timeout", "Timeout"},
	{"deadline exceeded", "Timeout"},
	{"connection refused", "ConnectionRefused"},
	{"no such host", "DNSLookup"},
	{"reset by peer", "ConnectionReset"},
	{"tls", "TLS"},
	{"certificate", "TLS"},
}

// CategorizeError maps an error to a stable category name for logs and summaries.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}
	msg := err.Error()

	switch {
	case errors.Is(err, ErrRetryFailed):
		return "RetryFailed_" + retryCause(err, msg)
	case errors.Is(err, ErrClientHTTPError):
		if status := clientStatus(msg); status != "" {
			return "HTTP_" + status
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrParsing):
		for _, kind := range parseKinds {
			if strings.Contains(msg, kind) {
				return "Content_Parsing" + kind
			}
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		for _, m := range filesystemCauses {
			if errors.Is(err, m.sentinel) {
				return m.category
			}
		}
		return "Filesystem_Other"
	}
	for _, m := range sentinelCategories {
		if errors.Is(err, m.sentinel) {
			return m.category
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "System_ContextCanceled"
	case errors.Is(err, context.DeadlineExceeded):
		if strings.Contains(msg, "semaphore") {
			return "Resource_SemaphoreTimeout"
		}
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	if hint := networkHint(msg); hint != "" {
		if hint == "Timeout" {
			return "Network_TimeoutGeneric"
		}
		return "Network_" + hint
	}
	return "Unknown"
}

// retryCause names what the last attempt of an exhausted retry died of.
func retryCause(err error, msg string) string {
	switch {
	case errors.Is(err, ErrServerHTTPError):
		return "HTTPServer"
	case errors.Is(err, ErrClientHTTPError):
		if clientStatus(msg) == "404" {
			return "HTTP404"
		}
		return "HTTPClient"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "NetworkTimeout"
	}
	switch hint := networkHint(msg); hint {
	case "Timeout":
		return "NetworkTimeout"
	case "ConnectionRefused":
		return "ConnectionRefused"
	case "DNSLookup":
		return "DNSLookup"
	}
	return "NetworkOther"
}

func clientStatus(msg string) string {
	for _, s := range clientStatuses {
		if strings.Contains(msg, " "+s+" ") {
			return s
		}
	}
	return ""
}

func networkHint(msg string) string {
	lower := strings.ToLower(msg)
	for _, h := range networkHints {
		if strings.Contains(lower, h.fragment) {
			return h.suffix
		}
	}
	return ""
}
