package fingerprint

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestImage(t *testing.T, path string, seed uint8) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x*4) + seed,
				G: uint8(y * 5),
				B: seed,
				A: 255,
			})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create test image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
}

func TestComputeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.png")
	writeTestImage(t, path, 10)

	fp, err := ComputeFile(path)
	if err != nil {
		t.Fatalf("ComputeFile failed: %v", err)
	}

	if fp.Digest == "" {
		t.Error("expected non-empty digest")
	}
	if len(fp.Digest) != 32 {
		t.Errorf("expected 32 hex digit MD5, got %d digits", len(fp.Digest))
	}
	if fp.Width != 64 || fp.Height != 48 {
		t.Errorf("expected 64x48, got %dx%d", fp.Width, fp.Height)
	}
	if fp.Size <= 0 {
		t.Error("expected positive file size")
	}
}

func TestComputeFileDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.png")
	writeTestImage(t, path, 20)

	a, err := ComputeFile(path)
	if err != nil {
		t.Fatalf("first compute: %v", err)
	}
	b, err := ComputeFile(path)
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}

	if a.Digest != b.Digest {
		t.Errorf("digest not deterministic: %s vs %s", a.Digest, b.Digest)
	}
	if a.Perceptual != b.Perceptual {
		t.Errorf("perceptual hash not deterministic: %016x vs %016x", a.Perceptual, b.Perceptual)
	}
}

func TestDigestFileMatchesComputeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.png")
	writeTestImage(t, path, 30)

	digest, size, err := DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}
	fp, err := ComputeFile(path)
	if err != nil {
		t.Fatalf("ComputeFile failed: %v", err)
	}

	if digest != fp.Digest {
		t.Errorf("cheap digest %s != full digest %s", digest, fp.Digest)
	}
	if size != fp.Size {
		t.Errorf("cheap size %d != full size %d", size, fp.Size)
	}
}

func TestComputeFileUndecodable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(path, []byte("this is not a jpeg"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := ComputeFile(path)
	if err == nil {
		t.Fatal("expected error for undecodable file")
	}
	var fpErr *Error
	if !errors.As(err, &fpErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fpErr.Path != path {
		t.Errorf("error path = %s, want %s", fpErr.Path, path)
	}

	// The cheap digest path must still work on the same file
	if _, _, err := DigestFile(path); err != nil {
		t.Errorf("DigestFile on undecodable file: %v", err)
	}
}

func TestComputeFileMissing(t *testing.T) {
	_, err := ComputeFile(filepath.Join(t.TempDir(), "nope.png"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPerceptualRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0xdeadbeefcafef00d, ^uint64(0)}
	for _, v := range values {
		s := FormatPerceptual(v)
		if len(s) != 16 {
			t.Errorf("FormatPerceptual(%x) = %q, want 16 digits", v, s)
		}
		parsed, err := ParsePerceptual(s)
		if err != nil {
			t.Errorf("ParsePerceptual(%q): %v", s, err)
		}
		if parsed != v {
			t.Errorf("round trip %x -> %q -> %x", v, s, parsed)
		}
	}
}

func TestParsePerceptualRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "abc", "zzzzzzzzzzzzzzzz", "0123456789abcdef0"} {
		if _, err := ParsePerceptual(s); err == nil {
			t.Errorf("ParsePerceptual(%q) should fail", s)
		}
	}
}

func TestDimensions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.png")
	writeTestImage(t, path, 40)

	w, h, err := Dimensions(path)
	if err != nil {
		t.Fatalf("Dimensions failed: %v", err)
	}
	if w != 64 || h != 48 {
		t.Errorf("Dimensions = %dx%d, want 64x48", w, h)
	}
}
