package errors

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"
)

// Classify maps a raw driver error onto a RefreshError. Already-classified
// errors pass through untouched.
func Classify(err error) *RefreshError {
	if err == nil {
		return nil
	}
	var re *RefreshError
	if errors.As(err, &re) {
		return re
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return Wrap(err, KindTransient, CodeStatementTimeout, "statement timed out")
		}
		return Wrap(err, KindTransient, CodeConnection, "connection error")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, KindTransient, CodeStatementTimeout, "statement timed out")
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		return Wrap(err, KindTransient, CodeConnection, "connection closed")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "connection reset", "broken pipe", "server closed", "bad connection", "eof"):
		return Wrap(err, KindTransient, CodeConnection, "connection error")
	case containsAny(msg, "serialization failure", "deadlock detected", "could not serialize", "transactioncontext error", "write-write conflict", "conflict"):
		return Wrap(err, KindTransient, CodeConflict, "statement conflict")
	case containsAny(msg, "timeout", "timed out"):
		return Wrap(err, KindTransient, CodeStatementTimeout, "statement timed out")
	case containsAny(msg, "out of memory", "memory limit"):
		return Wrap(err, KindResource, CodeMemoryLimit, "memory limit reached")
	case containsAny(msg, "no space left", "disk full", "temp_directory", "could not write"):
		return Wrap(err, KindResource, CodeTempSpace, "temp space exhausted")
	case containsAny(msg, "parser error", "syntax error", "binder error", "catalog error", "does not exist", "not found"):
		return Wrap(err, KindDefinitional, CodeUnknownSource, "definitional error")
	}

	return Wrap(err, KindFatal, CodeInternal, "unclassified error")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
