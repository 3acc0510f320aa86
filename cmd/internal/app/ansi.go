package app

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string { return ansiPattern.ReplaceAllString(s, "") }

// visualLen is the printed width of s in runes, ignoring color codes.
func visualLen(s string) int { return utf8.RuneCountInString(stripANSI(s)) }

func paint(s, code string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(m string, color bool) string {
	switch m {
	case "GET", "HEAD":
		return paint(m, ansiGreen, color)
	case "POST", "PUT", "PATCH":
		return paint(m, ansiYellow, color)
	case "DELETE":
		return paint(m, ansiRed, color)
	default:
		return paint(m, ansiMagenta, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	switch {
	case code >= 500:
		return paint(s, ansiRed, color)
	case code >= 400:
		return paint(s, ansiYellow, color)
	case code >= 300:
		return paint(s, ansiCyan, color)
	default:
		return paint(s, ansiGreen, color)
	}
}

func colorizeStatusClass(class string, color bool) string {
	switch class {
	case "5xx":
		return paint(class, ansiRed, color)
	case "4xx":
		return paint(class, ansiYellow, color)
	case "3xx":
		return paint(class, ansiCyan, color)
	default:
		return paint(class, ansiGreen, color)
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error":
		return paint(result, ansiYellow, color)
	case "server_error":
		return paint(result, ansiRed, color)
	default:
		return result
	}
}

// colorizeKind highlights protocol message kinds; ERROR stands out.
func colorizeKind(kind string, color bool) string {
	if strings.EqualFold(kind, "ERROR") {
		return paint(kind, ansiRed, color)
	}
	return paint(kind, ansiMagenta, color)
}
