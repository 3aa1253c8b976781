// Package fingerprint computes the two content fingerprints the sync
// pipeline keys on: an exact MD5 digest over the file bytes, used to
// detect byte-identical re-uploads, and a 64-bit perceptual difference
// hash comparable via Hamming distance.
package fingerprint

import (
	"crypto/md5"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strconv"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Fingerprint annotates one archive file with its content identity
type Fingerprint struct {
	// Hex MD5 over the raw file bytes
	Digest string

	// 64-bit difference hash of the decoded pixels
	Perceptual uint64

	// Pixel dimensions of the decoded image
	Width  int
	Height int

	// File size in bytes
	Size int64
}

// PerceptualHex returns the perceptual hash as a 16-digit hex string,
// the form the ledger stores.
func (f *Fingerprint) PerceptualHex() string {
	return FormatPerceptual(f.Perceptual)
}

// FormatPerceptual renders a 64-bit fingerprint as fixed-width hex
func FormatPerceptual(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

// ParsePerceptual parses a fingerprint previously rendered by
// FormatPerceptual.
func ParsePerceptual(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("perceptual fingerprint must be 16 hex digits, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid perceptual fingerprint %q: %w", s, err)
	}
	return v, nil
}

// Error reports a failed fingerprint computation. It aborts only the
// affected file; the surrounding scene and run continue.
type Error struct {
	Path  string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fingerprint %s: %v", e.Path, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// DigestFile computes only the exact MD5 digest of a file. The reconciler
// uses this cheap path to classify UNCHANGED versions without decoding
// pixels.
func DigestFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, &Error{Path: path, Cause: err}
	}
	defer file.Close()

	hash := md5.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, &Error{Path: path, Cause: err}
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), size, nil
}

// Dimensions reads only the pixel dimensions of an image file, without
// decoding the pixels.
func Dimensions(path string) (int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, &Error{Path: path, Cause: err}
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, &Error{Path: path, Cause: fmt.Errorf("decode config: %w", err)}
	}
	return cfg.Width, cfg.Height, nil
}

// ComputeFile computes the full fingerprint for an image file: exact
// digest, perceptual hash and pixel dimensions. Undecodable images yield
// an *Error.
func ComputeFile(path string) (*Fingerprint, error) {
	digest, size, err := DigestFile(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &Error{Path: path, Cause: err}
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, &Error{Path: path, Cause: fmt.Errorf("decode: %w", err)}
	}

	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return nil, &Error{Path: path, Cause: fmt.Errorf("difference hash: %w", err)}
	}

	bounds := img.Bounds()
	return &Fingerprint{
		Digest:     digest,
		Perceptual: hash.GetHash(),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Size:       size,
	}, nil
}
