package executor

import (
	"fmt"
	"strings"
)

// Category is the class of a downloader failure.
type Category string

const (
	CategoryBotCheck       Category = "bot_detection"
	CategoryCredentials    Category = "invalid_cookies"
	CategoryFragment       Category = "fragment"
	CategoryUnavailable    Category = "unavailable"
	CategoryNetwork        Category = "network"
	CategoryPostprocessing Category = "postprocessing"
	CategoryDiskFull       Category = "disk_full"
	CategoryTimeout        Category = "timeout"
	CategoryMissingBinary  Category = "missing_binary"
	CategoryTooLarge       Category = "too_large"
	CategoryUnknown        Category = "unknown"
)

// rules are checked in order; the first match wins.
var rules = []struct {
	cat   Category
	match func(s string) bool
}{
	{CategoryTooLarge, anyOf("larger than max-filesize", "file is larger than")},
	{CategoryBotCheck, anyOf("confirm you're not a bot", "confirm you’re not a bot")},
	{CategoryCredentials, anyOf(
		"cookies are no longer valid",
		"cookies have likely been rotated",
		"please sign in",
		"use --cookies-from-browser",
		"use --cookies for the authentication",
	)},
	{CategoryFragment, func(s string) bool {
		return strings.Contains(s, "fragment") && anyOf(
			"http error 403", "retrying fragment", "fragment not found", "skipping fragment",
		)(s)
	}},
	{CategoryBotCheck, anyOf("bot detection", "http error 403", "unable to extract", "signature extraction failed")},
	{CategoryUnavailable, anyOf(
		"private video",
		"video unavailable",
		"this video is not available",
		"video is private",
		"video has been removed",
		"this video does not exist",
		"video is not available",
	)},
	{CategoryNetwork, anyOf("timeout", "timed out", "connection", "network", "socket", "dns", "failed to connect")},
	{CategoryPostprocessing, anyOf("postprocessing", "conversion failed", "fixupm3u8", "ffmpeg", "merger", "error fixing")},
	{CategoryDiskFull, anyOf(
		"no space left",
		"disk quota",
		"not enough space",
		"insufficient disk space",
		"enospc",
		"no free space",
		"disk full",
	)},
}

func anyOf(needles ...string) func(string) bool {
	return func(s string) bool {
		for _, n := range needles {
			if strings.Contains(s, n) {
				return true
			}
		}
		return false
	}
}

// Classify maps downloader stderr to a failure category.
func Classify(stderr string) Category {
	s := strings.ToLower(stderr)
	for _, r := range rules {
		if r.match(s) {
			return r.cat
		}
	}
	return CategoryUnknown
}

// Retryable reports whether another attempt may succeed.
func (c Category) Retryable() bool {
	switch c {
	case CategoryFragment, CategoryNetwork, CategoryPostprocessing, CategoryTimeout:
		return true
	}
	return false
}

// NeedsOperator reports whether the failure points at something only the
// operator can fix.
func (c Category) NeedsOperator() bool {
	switch c {
	case CategoryBotCheck, CategoryCredentials, CategoryDiskFull, CategoryMissingBinary, CategoryUnknown:
		return true
	}
	return false
}

func (c Category) userMessage() string {
	switch c {
	case CategoryCredentials:
		return "Temporary issue with the source. Try a different link or retry later."
	case CategoryBotCheck:
		return "The source blocked the request. Try a different link or retry later."
	case CategoryUnavailable:
		return "Media unavailable. It may be private, deleted, or blocked in this region."
	case CategoryNetwork, CategoryTimeout:
		return "Network problem. Try again in a minute."
	case CategoryFragment:
		return "Temporary issue while downloading. Please retry."
	case CategoryPostprocessing:
		return "Media processing error. Please retry."
	case CategoryTooLarge:
		return "The file is larger than your plan allows. Try a lower quality or a shorter range."
	case CategoryDiskFull, CategoryMissingBinary:
		return "The server is overloaded. Try again later, we are already working on it."
	}
	return "Download failed. Check that the link is correct."
}

// Error is a classified downloader failure.
type Error struct {
	Cat      Category
	ExitCode int
	// Detail is the last meaningful stderr line.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.ExitCode > 0:
		return fmt.Sprintf("downloader %s (exit %d): %s", e.Cat, e.ExitCode, e.Detail)
	case e.Detail != "":
		return fmt.Sprintf("downloader %s: %s", e.Cat, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("downloader %s: %v", e.Cat, e.Err)
	}
	return "downloader " + string(e.Cat)
}

func (e *Error) Unwrap() error       { return e.Err }
func (e *Error) Retryable() bool     { return e.Cat.Retryable() }
func (e *Error) Category() string    { return string(e.Cat) }
func (e *Error) UserMessage() string { return e.Cat.userMessage() }

// lastLine returns the last line of s that looks like an error, or the last
// non-empty line.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if strings.HasPrefix(strings.ToUpper(l), "ERROR") {
			return l
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
