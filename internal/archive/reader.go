package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ternarybob/imago/internal/models"
)

// Entry is one image entry from an archive's central directory. SizeBytes is
// the uncompressed size as recorded in the directory, so callers can enforce
// size ceilings without extracting anything.
type Entry struct {
	Path      string
	SizeBytes int64
}

// Reader enumerates and opens image entries inside a ZIP archive. The whole
// central directory is read once on Open; individual entries decompress
// lazily. Batch processing holds one Reader per archive rather than
// reopening it per image.
type Reader struct {
	path    string
	zr      *zip.ReadCloser
	entries map[string]*zip.File
}

// Open reads the archive's central directory. Entry names are normalized to
// forward slashes so lookups match the canonical composite-path form.
func Open(archivePath string) (*Reader, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries[normalizeEntryName(f.Name)] = f
	}

	return &Reader{path: archivePath, zr: zr, entries: entries}, nil
}

// Windows-built archives ship backslash entry names.
func normalizeEntryName(name string) string {
	return strings.ReplaceAll(name, "\\", "/")
}

// Images returns the archive's image entries in lexicographic order.
// Non-image entries are ignored.
func (r *Reader) Images() []Entry {
	images := make([]Entry, 0, len(r.entries))
	for name, f := range r.entries {
		if !models.IsImageFile(name) {
			continue
		}
		images = append(images, Entry{
			Path:      name,
			SizeBytes: int64(f.UncompressedSize64),
		})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Path < images[j].Path })
	return images
}

// Size reports an entry's uncompressed size from the central directory.
func (r *Reader) Size(entryPath string) (int64, bool) {
	f, ok := r.entries[normalizeEntryName(entryPath)]
	if !ok {
		return 0, false
	}
	return int64(f.UncompressedSize64), true
}

// OpenEntry returns a reader over one entry's decompressed bytes.
func (r *Reader) OpenEntry(entryPath string) (io.ReadCloser, error) {
	f, ok := r.entries[normalizeEntryName(entryPath)]
	if !ok {
		return nil, fmt.Errorf("entry %s not found in archive %s", entryPath, r.path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s in archive %s: %w", entryPath, r.path, err)
	}
	return rc, nil
}

func (r *Reader) Close() error {
	return r.zr.Close()
}

// ListImages enumerates an archive's image entries in one call for callers
// that do not need to read any bytes.
func ListImages(archivePath string) ([]Entry, error) {
	r, err := Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Images(), nil
}
