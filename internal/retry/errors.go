package retry

import (
	"errors"
	"net"
	"strings"

	"github.com/fetchguard/fetchguard/internal/solver"
)

// retryableErrorPatterns contains error message substrings that indicate
// transient transport problems worth going around again for.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
	"broken pipe",
}

// IsRetryableError reports whether err is a transient failure worth
// retrying. Permanent solver errors and context cancellation never are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if solver.IsPermanent(err) {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}
	if solver.IsTransient(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
