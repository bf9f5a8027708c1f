package models

import (
	"fmt"
	"net/url"
	"strings"
)

// PartType discriminates content part variants.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// MaxInlineDataSize bounds inline base64 payloads carried in a content part.
const MaxInlineDataSize = 10 << 20 // 10 MiB

// MaxFilenameLength bounds sanitised reference filenames.
const MaxFilenameLength = 255

// ContentPart is one element of a composite message content. Image and file
// parts reference their payload by URL or carry it inline as base64 data.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	Data     string   `json:"data,omitempty"` // base64-encoded inline payload
	Filename string   `json:"filename,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image reference part.
func ImagePart(rawURL string) ContentPart {
	return ContentPart{Type: PartImage, URL: rawURL}
}

// FilePart builds a file reference part.
func FilePart(rawURL, filename string) ContentPart {
	return ContentPart{Type: PartFile, URL: rawURL, Filename: filename}
}

var allowedRefSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"data":  true,
}

// Validate checks the per-variant field rules: text parts carry text,
// reference parts carry exactly one of URL or inline data, URLs use a
// whitelisted scheme, inline data is size-bounded, filenames are sanitised.
func (p ContentPart) Validate() error {
	switch p.Type {
	case PartText:
		if p.URL != "" || p.Data != "" {
			return fmt.Errorf("text part cannot carry url or data")
		}
		return nil
	case PartImage, PartFile:
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
	if p.URL == "" && p.Data == "" {
		return fmt.Errorf("%s part requires url or data", p.Type)
	}
	if p.URL != "" && p.Data != "" {
		return fmt.Errorf("%s part cannot carry both url and data", p.Type)
	}
	if p.URL != "" {
		u, err := url.Parse(p.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if !allowedRefSchemes[strings.ToLower(u.Scheme)] {
			return fmt.Errorf("url scheme %q not allowed", u.Scheme)
		}
	}
	if len(p.Data) > MaxInlineDataSize {
		return fmt.Errorf("inline data exceeds %d bytes", MaxInlineDataSize)
	}
	if p.Filename != "" {
		if err := validateFilename(p.Filename); err != nil {
			return err
		}
	}
	return nil
}

func validateFilename(name string) error {
	if len(name) > MaxFilenameLength {
		return fmt.Errorf("filename exceeds %d characters", MaxFilenameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("filename cannot contain path separators")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("filename cannot contain control characters")
		}
	}
	return nil
}

// SanitizeFilename strips path separators and control characters and
// truncates to MaxFilenameLength. Used when accepting untrusted names.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > MaxFilenameLength {
		out = out[:MaxFilenameLength]
	}
	return out
}
