package provider

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMimeType is used when a byte stream cannot be identified.
const DefaultMimeType = "application/octet-stream"

// fallbackExtensions covers text formats that mimetype cannot sniff and
// therefore does not list.
var fallbackExtensions = map[string]string{
	"text/markdown":      "md",
	"text/x-markdown":    "md",
	"application/yaml":   "yaml",
	"application/x-yaml": "yaml",
	"text/yaml":          "yaml",
	"application/toml":   "toml",
}

// ExtensionForMime returns the file extension, without the leading dot, for
// mimeType. mimetype's registry is consulted first, then fallbackExtensions.
// The second return is false when no extension is known.
func ExtensionForMime(mimeType string) (string, bool) {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(mimeType))
	}
	if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
		return strings.TrimPrefix(m.Extension(), "."), true
	}
	if ext, ok := fallbackExtensions[base]; ok {
		return ext, true
	}
	return "", false
}

// DisplayNameFor appends the extension for mimeType to name when one is known
// and the name does not already end with it.
func DisplayNameFor(name, mimeType string) string {
	ext, ok := ExtensionForMime(mimeType)
	if !ok || strings.HasSuffix(strings.ToLower(name), "."+ext) {
		return name
	}
	return name + "." + ext
}

// DetectFile sniffs the mime type of a local file.
func DetectFile(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return DefaultMimeType
	}
	base, _, err := mime.ParseMediaType(m.String())
	if err != nil {
		return m.String()
	}
	return base
}
