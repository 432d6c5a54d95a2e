package constants

import (
	"path/filepath"
	"strings"
)

// Spreadsheet extensions accepted for upload.
var allowedExtensions = map[string]struct{}{
	".xlsx": {},
	".xlsm": {},
	".xls":  {},
	".csv":  {},
}

// AllowedUploadExt reports whether the filename carries a processable
// spreadsheet extension.
func AllowedUploadExt(name string) bool {
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// MaxUploadBytes caps the accepted upload size.
const MaxUploadBytes = 16 << 20 // 16MB
