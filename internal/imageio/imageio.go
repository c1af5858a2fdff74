// Package imageio loads and saves the frames of a stack.
package imageio

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"focusstack/internal/imaging"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned for files no registered decoder accepts.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Metadata describes a loaded file.
type Metadata struct {
	Path            string
	Format          string
	Width           int
	Height          int
	Size            int64
	CameraMake      string
	CameraModel     string
	FocalLength     float64
	Aperture        float64
	ISO             int
	ExposureTime    string
	SubjectDistance float64
	GPSLat          float64
	GPSLon          float64
	Timestamp       time.Time
	HasExif         bool
}

// fallbackDecoder reads formats the standard decoders reject. It is set by
// optional backends such as ImageMagick.
var fallbackDecoder func(path string) (image.Image, error)

// HasFallback reports whether a fallback decoder is compiled in.
func HasFallback() bool { return fallbackDecoder != nil }

// Load decodes path into an 8-bit image and reads its EXIF block when present.
func Load(path string) (imaging.Image, Metadata, error) {
	meta := Metadata{Path: path}
	st, err := os.Stat(path)
	if err != nil {
		return imaging.Image{}, meta, err
	}
	meta.Size = st.Size()

	img, format, err := decode(path)
	if err != nil {
		return imaging.Image{}, meta, fmt.Errorf("decode %s: %w", path, err)
	}
	meta.Format = format
	b := img.Bounds()
	meta.Width, meta.Height = b.Dx(), b.Dy()

	readExif(path, &meta)
	return imaging.FromImage(img), meta, nil
}

// Probe reads the dimensions and EXIF block of path without decoding pixels.
func Probe(path string) (Metadata, error) {
	meta := Metadata{Path: path}
	f, err := os.Open(path)
	if err != nil {
		return meta, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return meta, err
	}
	meta.Size = st.Size()
	cfg, format, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return meta, fmt.Errorf("%s: %w", filepath.Ext(path), ErrUnsupportedFormat)
		}
		return meta, err
	}
	meta.Format, meta.Width, meta.Height = format, cfg.Width, cfg.Height
	readExif(path, &meta)
	return meta, nil
}

func decode(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	img, format, err := image.Decode(bufio.NewReader(f))
	if err == nil {
		return img, format, nil
	}
	if !errors.Is(err, image.ErrFormat) {
		return nil, "", err
	}
	if fallbackDecoder == nil {
		return nil, "", fmt.Errorf("%s: %w", filepath.Ext(path), ErrUnsupportedFormat)
	}
	img, err = fallbackDecoder(path)
	if err != nil {
		return nil, "", err
	}
	return img, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."), nil
}

// readExif fills the camera fields of meta. Files without EXIF are not an error.
func readExif(path string, meta *Metadata) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	x, err := exif.Decode(f)
	if err != nil {
		return
	}
	meta.HasExif = true

	if tag, err := x.Get(exif.Make); err == nil {
		meta.CameraMake, _ = tag.StringVal()
	}
	if tag, err := x.Get(exif.Model); err == nil {
		meta.CameraModel, _ = tag.StringVal()
	}
	if tag, err := x.Get(exif.FocalLength); err == nil {
		meta.FocalLength = ratFloat(tag.Rat2(0))
	}
	if tag, err := x.Get(exif.FNumber); err == nil {
		meta.Aperture = ratFloat(tag.Rat2(0))
	}
	if tag, err := x.Get(exif.SubjectDistance); err == nil {
		meta.SubjectDistance = ratFloat(tag.Rat2(0))
	}
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		meta.ISO, _ = tag.Int(0)
	}
	if tag, err := x.Get(exif.ExposureTime); err == nil {
		if num, den, err := tag.Rat2(0); err == nil {
			meta.ExposureTime = fmt.Sprintf("%d/%d", num, den)
		}
	}
	if t, err := x.DateTime(); err == nil {
		meta.Timestamp = t
	}
	if lat, lon, err := x.LatLong(); err == nil {
		meta.GPSLat, meta.GPSLon = lat, lon
	}
}

func ratFloat(num, den int64, err error) float64 {
	if err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Save encodes img by the extension of path: .png, .jpg/.jpeg or .tif/.tiff.
func Save(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, filepath.Ext(path), img); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Encode writes img in the format named by ext.
func Encode(w io.Writer, ext string, img image.Image) error {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png", "":
		return png.Encode(w, img)
	case "jpg", "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	case "tif", "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return fmt.Errorf("%s: %w", ext, ErrUnsupportedFormat)
	}
}
