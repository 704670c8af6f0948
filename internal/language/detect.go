// Package language classifies reply text and maps language codes to
// synthesis locales.
//
// Detection is a deliberately coarse heuristic: any rune from the Devanagari
// blocks marks the text as Hindi, everything else is English. It is not
// linguistic detection and romanised Hindi is classified as English.
package language

import (
	"strings"

	xlanguage "golang.org/x/text/language"
)

// Tag is a short language code as carried on the wire.
type Tag string

const (
	English Tag = "en"
	Hindi   Tag = "hi"
	Unknown Tag = "unknown"

	// Default is used when neither a detected nor a display language exists.
	Default = English
)

// DetectionMode is advertised on the capabilities endpoint.
const DetectionMode = "auto"

// Supported lists the tags the assistant can answer and speak in.
var Supported = []Tag{English, Hindi}

// Detect classifies text. It never returns Unknown.
func Detect(text string) Tag {
	for _, r := range text {
		if isDevanagari(r) {
			return Hindi
		}
	}
	return English
}

func isDevanagari(r rune) bool {
	return (r >= 0x0900 && r <= 0x097F) || (r >= 0xA8E0 && r <= 0xA8FF)
}

// Parse normalizes a code or locale ("hi", "hi-IN", "EN_us") to a supported
// Tag. ok is false when the input is empty, malformed, or unsupported.
func Parse(code string) (Tag, bool) {
	code = strings.TrimSpace(strings.ReplaceAll(code, "_", "-"))
	if code == "" {
		return Unknown, false
	}
	parsed, err := xlanguage.Parse(code)
	if err != nil {
		return Unknown, false
	}
	base, _ := parsed.Base()
	tag := Tag(base.String())
	for _, s := range Supported {
		if s == tag {
			return tag, true
		}
	}
	return Unknown, false
}

// Name returns the English display name used in prompts.
func (t Tag) Name() string {
	switch t {
	case Hindi:
		return "Hindi"
	case English:
		return "English"
	default:
		return "English"
	}
}

// Locale returns the BCP 47 locale used to select capture and synthesis
// voices.
func (t Tag) Locale() string {
	switch t {
	case Hindi:
		return "hi-IN"
	default:
		return "en-US"
	}
}

// Resolve picks the synthesis language: the per-reply detected language wins,
// then the display language, then Default.
func Resolve(detected, display string) Tag {
	if tag, ok := Parse(detected); ok {
		return tag
	}
	if tag, ok := Parse(display); ok {
		return tag
	}
	return Default
}
