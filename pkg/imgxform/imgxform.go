// Package imgxform maps images of any aspect ratio to the fixed square input of an embedding model.
package imgxform

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/frameselect/pkg/embedcfg"
)

// Normalization is a per-channel (x - Mean) / Std applied to [0,1] pixel values
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// ImageNet is the normalization used for every cache generation.
// It is not part of the cache key, so changing it requires a new key field.
var ImageNet = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

var resizeParams = cimg.ResizeParams{
	CheapSRGBFilter: true,
	Filter:          cimg.ResizeFilterCatmullRom,
}

// Apply produces a size x size RGB image from img, according to cfg
func Apply(img *cimg.Image, size int, cfg embedcfg.TransformConfig) (*cimg.Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("Invalid transform size %v", size)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("Invalid image size %v x %v", img.Width, img.Height)
	}
	img = ToRGB(img)
	w, h := img.Width, img.Height

	// For square inputs, every mode is a plain resize
	if w == h {
		return resize(img, size, size), nil
	}

	switch cfg.Mode {
	case embedcfg.ModeScale:
		return resize(img, size, size), nil
	case embedcfg.ModeCrop:
		return crop(img, size, cfg.Alignment), nil
	case embedcfg.ModePad:
		return pad(img, size, cfg.Alignment, cfg.Fill), nil
	}
	return nil, fmt.Errorf("%w: %v", embedcfg.ErrUnknownMode, cfg.Mode)
}

// Resize so that the smaller side equals size, then cut the excess off the longer side
func crop(img *cimg.Image, size int, align embedcfg.Alignment) *cimg.Image {
	w, h := img.Width, img.Height
	var rw, rh int
	if w <= h {
		rw, rh = size, int(int64(h)*int64(size)/int64(w))
	} else {
		rw, rh = int(int64(w)*int64(size)/int64(h)), size
	}
	scaled := resize(img, rw, rh)

	x, y := 0, 0
	if rw > rh {
		switch align {
		case embedcfg.AlignLeft:
			x = 0
		case embedcfg.AlignRight:
			x = rw - size
		default:
			x = (rw - size) / 2
		}
	} else if rh > rw {
		switch align {
		case embedcfg.AlignTop:
			y = 0
		case embedcfg.AlignBottom:
			y = rh - size
		default:
			y = (rh - size) / 2
		}
	}
	out := cimg.NewImage(size, size, cimg.PixelFormatRGB)
	out.CopyImageRect(scaled, x, y, x+size, y+size, 0, 0)
	return out
}

// Resize so that the larger side equals size, then paste onto a size x size canvas of fill
func pad(img *cimg.Image, size int, align embedcfg.Alignment, fill [3]float32) *cimg.Image {
	w, h := img.Width, img.Height
	var rw, rh int
	if w >= h {
		rw, rh = size, max(int(int64(h)*int64(size)/int64(w)), 1)
	} else {
		rw, rh = max(int(int64(w)*int64(size)/int64(h)), 1), size
	}
	scaled := resize(img, rw, rh)

	out := cimg.NewImage(size, size, cimg.PixelFormatRGB)
	var rgb [3]byte
	for c := 0; c < 3; c++ {
		rgb[c] = byte(fill[c] * 255)
	}
	for y := 0; y < size; y++ {
		row := out.Pixels[y*out.Stride : y*out.Stride+size*3]
		for x := 0; x < size; x++ {
			row[x*3] = rgb[0]
			row[x*3+1] = rgb[1]
			row[x*3+2] = rgb[2]
		}
	}

	x, y := 0, 0
	if rw < rh {
		// Portrait: pad horizontally
		switch align {
		case embedcfg.AlignLeft:
			x = 0
		case embedcfg.AlignRight:
			x = size - rw
		default:
			x = (size - rw) / 2
		}
	} else if rh < rw {
		// Landscape: pad vertically
		switch align {
		case embedcfg.AlignTop:
			y = 0
		case embedcfg.AlignBottom:
			y = size - rh
		default:
			y = (size - rh) / 2
		}
	}
	out.CopyImageRect(scaled, 0, 0, rw, rh, x, y)
	return out
}

func resize(img *cimg.Image, width, height int) *cimg.Image {
	if img.Width == width && img.Height == height {
		return img
	}
	dst := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	cimg.Resize(img, dst, &resizeParams)
	return dst
}

// ToRGB returns img if it is already 3 channel RGB, otherwise a converted copy.
// Gray is replicated, and a 4th channel is dropped.
func ToRGB(img *cimg.Image) *cimg.Image {
	nchan := img.NChan()
	if nchan == 3 {
		return img
	}
	out := cimg.NewImage(img.Width, img.Height, cimg.PixelFormatRGB)
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := out.Pixels[y*out.Stride:]
		for x := 0; x < img.Width; x++ {
			if nchan == 1 {
				v := src[x]
				dst[x*3], dst[x*3+1], dst[x*3+2] = v, v, v
			} else {
				dst[x*3] = src[x*nchan]
				dst[x*3+1] = src[x*nchan+1]
				dst[x*3+2] = src[x*nchan+2]
			}
		}
	}
	return out
}

// ToTensor converts an RGB image into CHW floats, normalized by norm
func ToTensor(img *cimg.Image, norm Normalization) []float32 {
	img = ToRGB(img)
	w, h := img.Width, img.Height
	plane := w * h
	out := make([]float32, 3*plane)
	var scale, offset [3]float32
	for c := 0; c < 3; c++ {
		scale[c] = 1 / (255 * norm.Std[c])
		offset[c] = norm.Mean[c] / norm.Std[c]
	}
	for y := 0; y < h; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			for c := 0; c < 3; c++ {
				out[c*plane+i] = float32(row[x*3+c])*scale[c] - offset[c]
			}
		}
	}
	return out
}

// Prepare is Apply followed by ToTensor with ImageNet normalization
func Prepare(img *cimg.Image, size int, cfg embedcfg.TransformConfig) ([]float32, error) {
	sq, err := Apply(img, size, cfg)
	if err != nil {
		return nil, err
	}
	return ToTensor(sq, ImageNet), nil
}
