package models

import (
	"path/filepath"
	"strings"
)

// ArchivePathSeparator splits an archive file path from an entry path inside
// it. Canonical form: <archive-abs-path>#<entry-relative-path> with
// forward-slash entry separators.
const ArchivePathSeparator = "#"

var supportedImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

var supportedArchiveExtensions = map[string]bool{
	".zip": true,
	".cbz": true,
}

// IsImageFile checks if the filename has a supported raster image extension
func IsImageFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedImageExtensions[ext]
}

// IsArchiveFile checks if the filename has a supported archive extension
func IsArchiveFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedArchiveExtensions[ext]
}

// JoinArchivePath builds the canonical composite path for an archive entry.
func JoinArchivePath(archivePath, entryPath string) string {
	return archivePath + ArchivePathSeparator + strings.ReplaceAll(entryPath, "\\", "/")
}

// IsArchiveSourcePath reports whether the path is a composite archive path.
func IsArchiveSourcePath(path string) bool {
	return strings.Contains(path, ArchivePathSeparator)
}

// SplitArchivePath splits a composite path into archive path and entry path.
// ok is false for plain file paths.
func SplitArchivePath(path string) (archivePath, entryPath string, ok bool) {
	idx := strings.Index(path, ArchivePathSeparator)
	if idx < 0 {
		return path, "", false
	}
	return path[:idx], path[idx+1:], true
}

// NormalizeSourcePath converts legacy source-path forms to the canonical one:
//   - backslash entry separators become forward slashes;
//   - a backslash splitting an archive file from its entry (e.g.
//     "/lib/a.zip\001.jpg") becomes the # separator;
//   - extra # characters inside the entry part collapse to "/", so exactly
//     one # remains.
//
// Plain file paths pass through unchanged.
func NormalizeSourcePath(path string) string {
	if idx := strings.Index(path, ArchivePathSeparator); idx >= 0 {
		archivePath := path[:idx]
		entryPath := path[idx+1:]
		entryPath = strings.ReplaceAll(entryPath, "\\", "/")
		entryPath = strings.ReplaceAll(entryPath, ArchivePathSeparator, "/")
		return archivePath + ArchivePathSeparator + entryPath
	}

	// Legacy form: archive extension followed by a backslash-separated entry.
	lower := strings.ToLower(path)
	for ext := range supportedArchiveExtensions {
		marker := ext + "\\"
		if pos := strings.Index(lower, marker); pos >= 0 {
			archivePath := path[:pos+len(ext)]
			entryPath := strings.ReplaceAll(path[pos+len(ext)+1:], "\\", "/")
			return archivePath + ArchivePathSeparator + entryPath
		}
	}

	return path
}
