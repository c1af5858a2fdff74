//go:build imagick

package imageio

import (
	"fmt"
	"image"

	"gopkg.in/gographics/imagick.v3/imagick"
)

func init() {
	imagick.Initialize()
	fallbackDecoder = decodeMagick
}

// decodeMagick reads RAW and other exotic formats through ImageMagick.
func decodeMagick(path string) (image.Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagick read: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return nil, fmt.Errorf("imagick colorspace: %w", err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	px, err := mw.ExportImagePixels(0, 0, w, h, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("imagick export: %w", err)
	}
	buf, ok := px.([]byte)
	if !ok {
		return nil, fmt.Errorf("imagick export: unexpected pixel type %T", px)
	}
	img := image.NewNRGBA(image.Rect(0, 0, int(w), int(h)))
	copy(img.Pix, buf)
	return img, nil
}
