package imgxform

import "github.com/bmharper/cimg/v2"

// Thumbnail returns an RGB copy of img that is at most maxWidth pixels wide, preserving aspect ratio.
// Images that are already small enough are returned as RGB without resizing.
func Thumbnail(img *cimg.Image, maxWidth int) *cimg.Image {
	img = ToRGB(img)
	if maxWidth <= 0 || img.Width <= maxWidth {
		return img
	}
	h := max(1, int(int64(img.Height)*int64(maxWidth)/int64(img.Width)))
	return resize(img, maxWidth, h)
}

// EncodeJPEG compresses img at the quality we use for previews
func EncodeJPEG(img *cimg.Image) ([]byte, error) {
	return cimg.Compress(ToRGB(img), cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
}
