package storage

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Storage key convention:
//
//	{scene_id}/{variant}.{ext}   directly-resolvable assets
//	{scene_id}/manifest.json     variant manifest for the delivery edge
//	{scene_id}                   extensionless mirror of the manifest
//
// Variant names are "original" for the synced current version plus any
// size variants produced upstream (thumb/small/large).

// ObjectKey builds the key for a resolvable asset
func ObjectKey(sceneID, variant, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return path.Join(sceneID, variant) + "." + ext
}

// ManifestKey builds the key for a scene's manifest object
func ManifestKey(sceneID string) string {
	return path.Join(sceneID, "manifest.json")
}

// MirrorKey builds the extensionless manifest mirror key, for platforms
// that resolve the bare scene id automatically.
func MirrorKey(sceneID string) string {
	return sceneID
}

// ManifestVariant describes one deliverable rendition of a scene
type ManifestVariant struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width,omitempty"`
}

// Manifest enumerates the variants available for a scene. The delivery
// edge uses it to pick the best rendition by Accept header and requested
// width; this core only produces it.
type Manifest struct {
	SceneID     string                     `json:"scene_id"`
	Variants    map[string]ManifestVariant `json:"variants"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// Encode renders the manifest as JSON
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest for %s: %w", m.SceneID, err)
	}
	return data, nil
}

// DecodeManifest parses a manifest object
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// ContentTypeForExt maps an image file extension to its MIME type
func ContentTypeForExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "tif", "tiff":
		return "image/tiff"
	case "avif":
		return "image/avif"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
