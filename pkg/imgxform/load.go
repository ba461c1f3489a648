package imgxform

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// LoadImage decodes a JPEG or PNG file into an RGB image
func LoadImage(filename string) (*cimg.Image, error) {
	if strings.ToLower(filepath.Ext(filename)) == ".png" {
		return loadPNG(filename)
	}
	img, err := cimg.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode %v: %w", filename, err)
	}
	return ToRGB(img), nil
}

func loadPNG(filename string) (*cimg.Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode %v: %w", filename, err)
	}
	return FromGoImage(src), nil
}

// FromGoImage copies an image.Image into an RGB image. Alpha is discarded, not composited.
func FromGoImage(src image.Image) *cimg.Image {
	b := src.Bounds()
	out := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	if nrgba, ok := src.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			srow := nrgba.Pix[y*nrgba.Stride:]
			drow := out.Pixels[y*out.Stride:]
			for x := 0; x < b.Dx(); x++ {
				copy(drow[x*3:x*3+3], srow[x*4:x*4+3])
			}
		}
		return out
	}
	for y := 0; y < b.Dy(); y++ {
		drow := out.Pixels[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			drow[x*3] = c.R
			drow[x*3+1] = c.G
			drow[x*3+2] = c.B
		}
	}
	return out
}
