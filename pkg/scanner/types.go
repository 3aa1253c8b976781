// Package scanner walks the photo archive and classifies what it finds.
// The archive layout is authoritative: batch directories at the top,
// processing-stage directories inside them, image files at the leaves.
package scanner

import (
	"path/filepath"
	"strings"
	"time"
)

// VersionType identifies the processing stage an image file represents
type VersionType string

const (
	// InitialScan is the raw scanner output, usually a negative
	InitialScan VersionType = "initial_scan"

	// InvertedScan is the tone-inverted positive
	InvertedScan VersionType = "inverted_scan"

	// FinalCrop is the finished, cropped and corrected image
	FinalCrop VersionType = "final_crop"
)

// Priority orders version types for current-version selection. Higher
// wins; a final crop always beats an inverted scan, which always beats
// an initial scan, regardless of file timestamps.
func (vt VersionType) Priority() int {
	switch vt {
	case FinalCrop:
		return 3
	case InvertedScan:
		return 2
	case InitialScan:
		return 1
	default:
		return 0
	}
}

func (vt VersionType) String() string {
	return string(vt)
}

// Valid reports whether vt is one of the known stages
func (vt VersionType) Valid() bool {
	return vt.Priority() > 0
}

// versionDirs maps stage directory names, as they appear in real
// archives, to version types. Unknown directories are skipped with a
// warning rather than guessed at.
var versionDirs = map[string]VersionType{
	"final_crops":             FinalCrop,
	"final_crop":              FinalCrop,
	"inverted_original_scans": InvertedScan,
	"inverted_scans":          InvertedScan,
	"original_scans":          InitialScan,
	"initial_scan":            InitialScan,
	"initial_scans":           InitialScan,
}

// ClassifyDir maps a stage directory name to its version type
func ClassifyDir(name string) (VersionType, bool) {
	vt, ok := versionDirs[strings.ToLower(name)]
	return vt, ok
}

// imageExts are the file extensions the scanner treats as archive images
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
	".gif":  true,
}

// IsImageFile reports whether a filename looks like an archive image
func IsImageFile(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// variantSuffixes are the size renditions produced upstream. Files
// named {stem}_{variant}.{ext} belong to the stem's scene and are
// consumed at manifest time, never as scenes of their own.
var variantSuffixes = []string{"_thumb", "_small", "_large"}

// IsVariantFile reports whether a filename is an upstream size rendition
func IsVariantFile(name string) bool {
	base := strings.ToLower(BaseFilename(name))
	for _, suffix := range variantSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// SceneKey identifies a scene by its archive coordinates. Two files in
// different stage directories with the same base filename share a key,
// and therefore a scene.
type SceneKey struct {
	Batch string
	Base  string
}

// Entry is one classified image file found in the archive
type Entry struct {
	Scene   SceneKey
	Type    VersionType
	Path    string
	ModTime time.Time
	Size    int64
}

// BaseFilename strips the extension from a filename, yielding the part
// that identifies the scene across stages.
func BaseFilename(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext)
}
