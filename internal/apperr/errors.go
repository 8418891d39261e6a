// Package apperr separates user-safe error text from verbose debug detail,
// and redacts secrets that would otherwise leak into logs: registry
// credentials, dnstt pubkeys, and filesystem paths under the user's home
// directory.
package apperr

import (
	"errors"
	"os"
	"strings"
)

// ClassifiedError carries a message safe to surface to an operator and a
// more detailed message reserved for debug-level logs.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

// New creates a ClassifiedError with separated user-safe and debug details.
func New(userSafe, debugDetail string) error {
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: debugDetail}
}

// UserMessage returns text safe to print on a CLI, optionally redacted.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg := ce.UserSafe
		if msg == "" {
			msg = "operation failed"
		}
		if redact {
			return RedactMessage(msg)
		}
		return msg
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// DebugMessage returns the detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

// RedactMessage replaces the user's home directory with "~" in
// user-visible text. It knows no secret values; call sites redact their own
// sensitive fields (xui credentials, dnstt pubkeys) with RedactSecret before
// formatting a message, using this as the last line of defense for
// home-directory leakage.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return out
}

// RedactSecret replaces every occurrence of secret in msg with "[redacted]".
// Used before logging error text that might embed an xui password or a
// dnstt pubkey passed through from configuration.
func RedactSecret(msg, secret string) string {
	if secret == "" || msg == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, "[redacted]")
}
