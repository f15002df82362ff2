package constants

import (
	"path/filepath"
	"strings"
)

const MimePDF = "application/pdf"

var extToMime = map[string]string{
	"pdf":  MimePDF,
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"gif":  "image/gif",
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MimeFromName guesses a mime type from a file name, falling back to octet-stream.
func MimeFromName(name string) string {
	if mt, ok := extToMime[NormalizeExt(filepath.Ext(name))]; ok {
		return mt
	}
	return "application/octet-stream"
}

// IsPDF reports whether a stored file is a PDF, by mime type first and extension second.
func IsPDF(mimeType, name string) bool {
	if strings.EqualFold(strings.TrimSpace(mimeType), MimePDF) {
		return true
	}
	return NormalizeExt(filepath.Ext(name)) == "pdf"
}
