package storage

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// CSVContentType is stored for archived uploads whose type cannot be told.
const CSVContentType = "text/csv"

// =============================================================================
// Content Type Detection
// =============================================================================

// DetectContentType determines the MIME type of an uploaded file.
//
// Detection priority:
// 1. A provided type other than application/octet-stream
// 2. The file extension, with .csv and .tsv mapped explicitly
// 3. Sniffing the first 512 bytes of data (if available)
// 4. text/csv
func DetectContentType(providedType, filename string, data io.Reader) string {
	if providedType != "" && baseType(providedType) != "application/octet-stream" {
		return providedType
	}

	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".csv":
		return CSVContentType
	case ".tsv":
		return "text/tab-separated-values"
	case "":
	default:
		if contentType := mime.TypeByExtension(ext); contentType != "" {
			return contentType
		}
	}

	if data != nil {
		buffer := make([]byte, 512)
		n, err := io.ReadFull(data, buffer)
		if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
			sniffed := http.DetectContentType(buffer[:n])
			if strings.HasPrefix(sniffed, "text/plain") && bytes.ContainsAny(buffer[:n], ",;\t") {
				return CSVContentType
			}
			return sniffed
		}
	}

	return CSVContentType
}

// =============================================================================
// Content Type Validation
// =============================================================================

// AllowedUploadTypes are the MIME types accepted for CSV uploads. Browsers
// disagree on what to send for .csv files, so the list is generous.
var AllowedUploadTypes = map[string]bool{
	"text/csv":                  true,
	"text/plain":                true,
	"text/tab-separated-values": true,
	"application/csv":           true,
	"application/vnd.ms-excel":  true,
	"application/octet-stream":  true,
}

// IsAllowedUploadType checks if a content type may be uploaded.
// An empty content type is allowed; the analyzer decides.
func IsAllowedUploadType(contentType string) bool {
	if contentType == "" {
		return true
	}
	return AllowedUploadTypes[baseType(contentType)]
}

// IsCSV returns true if the content type names delimited text.
func IsCSV(contentType string) bool {
	switch baseType(contentType) {
	case "text/csv", "application/csv", "text/tab-separated-values":
		return true
	}
	return false
}

// baseType strips parameters like charset and lowercases the type.
func baseType(contentType string) string {
	t := strings.Split(contentType, ";")[0]
	return strings.TrimSpace(strings.ToLower(t))
}
