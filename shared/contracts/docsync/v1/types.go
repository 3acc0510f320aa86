package v1

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrMissingType = errors.New("missing field: type")
	ErrUnknownKind = errors.New("unknown type")
)

// Human-readable payloads used by server replies.
const (
	ConnectAckText          = "Connected successfully"
	InvalidVersionIndex     = "Invalid version index"
	InvalidVersionFormat    = "Invalid version index format"
	ConnectFirstText        = "connect first"
	NoDocumentOpenText      = "no document open"
	DisplayNameRequiredText = "display name required"
	DocumentIDRequiredText  = "document id required"
	UnsupportedTypeText     = "unsupported message type"
	MalformedMessageText    = "malformed message"
	RateLimitedText         = "rate limited"
	userListSeparator       = ","
)

// JoinUsers renders an active-user set as the UPDATE_USERS payload.
// Names containing a comma cannot be recovered by SplitUsers.
func JoinUsers(names []string) string {
	return strings.Join(names, userListSeparator)
}

// SplitUsers parses an UPDATE_USERS payload, discarding empty entries.
func SplitUsers(content string) []string {
	parts := strings.Split(content, userListSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FormatVersionIndex renders a ROLLBACK_DOCUMENT payload.
func FormatVersionIndex(i int) string {
	return strconv.Itoa(i)
}

// ParseVersionIndex parses a ROLLBACK_DOCUMENT payload as a decimal integer.
func ParseVersionIndex(content string) (int, error) {
	return strconv.Atoi(content)
}
