package extract

import (
	"strings"
	"unicode"
)

const (
	minPathLen = 2
	maxPathLen = 512
)

// noPathSentinels are model outputs that explicitly mean "no path present",
// matched case-insensitively after trimming.
var noPathSentinels = []string{
	"<no path>",
	"no path",
	"none",
	"null",
	"n/a",
}

// urlSchemes are rejected outright: the model sometimes returns links
// instead of filesystem paths.
var urlSchemes = []string{
	"http://", "https://", "ftp://", "file://", "mailto:", "javascript:",
}

// sentencePunct marks free-form prose rather than a path.
var sentencePunct = []string{". ", "! ", "? ", "。", "！", "？"}

// Classification is the validator's verdict for one raw model output.
type Classification struct {
	Valid  bool
	Path   string
	Reason Reason
}

// Validator decides whether raw model output constitutes a plausible
// filesystem path. It is pure: identical input always yields the same
// classification, so re-validating a row is safe and never retried.
type Validator struct {
	sentinel string
}

// NewValidator creates a validator. sentinel is the policy-configured
// "no path" marker the model is instructed to emit; it is matched in
// addition to the built-in sentinel set.
func NewValidator(sentinel string) *Validator {
	return &Validator{sentinel: strings.ToLower(strings.TrimSpace(sentinel))}
}

// Classify normalizes raw output and applies the plausibility checks.
func (v *Validator) Classify(raw string) Classification {
	s := strings.TrimSpace(raw)

	if v.isSentinel(s) {
		return Classification{Reason: ReasonNoPathFound}
	}

	if hasControlChars(s) {
		return Classification{Reason: ReasonNotPathLike}
	}
	if len(s) < minPathLen || len(s) > maxPathLen {
		return Classification{Reason: ReasonNotPathLike}
	}

	lower := strings.ToLower(s)
	for _, scheme := range urlSchemes {
		if strings.HasPrefix(lower, scheme) {
			return Classification{Reason: ReasonNotPathLike}
		}
	}

	for _, p := range sentencePunct {
		if strings.Contains(s, p) {
			return Classification{Reason: ReasonNotPathLike}
		}
	}

	if !looksLikePath(s) {
		return Classification{Reason: ReasonNotPathLike}
	}

	if hasIllegalPathChars(s) {
		return Classification{Reason: ReasonNotPathLike}
	}

	return Classification{Valid: true, Path: s}
}

func (v *Validator) isSentinel(s string) bool {
	if s == "" {
		return true
	}
	lower := strings.ToLower(s)
	if v.sentinel != "" && lower == v.sentinel {
		return true
	}
	// Angle-bracket wrapped values are placeholder markers, never paths.
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		return true
	}
	for _, sent := range noPathSentinels {
		if lower == sent {
			return true
		}
	}
	return false
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// looksLikePath requires a path separator, a Windows drive marker, or a
// rooted Unix path. Bare filenames without any of these are rejected.
func looksLikePath(s string) bool {
	if strings.ContainsAny(s, `/\`) {
		return true
	}
	return hasDrivePrefix(s)
}

func hasDrivePrefix(s string) bool {
	if len(s) < 2 {
		return false
	}
	c := s[0]
	isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	return isLetter && s[1] == ':'
}

// hasIllegalPathChars applies the Windows reserved-character check to
// everything after an optional drive prefix. The colon in `C:` is the only
// allowed occurrence.
func hasIllegalPathChars(s string) bool {
	rest := s
	if hasDrivePrefix(s) {
		rest = s[2:]
	}
	return strings.ContainsAny(rest, `<>:"|?*`)
}
