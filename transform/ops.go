// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transform

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// blurSigma is the Gaussian sigma equivalent to a 5x5 kernel.
	blurSigma = 1.1
	// thresholdLevel is the grayscale level above which a pixel
	// becomes white.
	thresholdLevel = 127
	// Hysteresis thresholds for edge detection.
	edgeLow, edgeHigh = 100, 200
)

var (
	sobelX = [9]float64{
		-1, 0, 1,
		-2, 0, 2,
		-1, 0, 1,
	}
	sobelY = [9]float64{
		-1, -2, -1,
		0, 0, 0,
		1, 2, 1,
	}
)

func colorInversion(img image.Image) (image.Image, error) {
	return imaging.Invert(img), nil
}

func grayscale(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

func blur(img image.Image) (image.Image, error) {
	return imaging.Blur(img, blurSigma), nil
}

func threshold(img image.Image) (image.Image, error) {
	return imaging.AdjustFunc(imaging.Grayscale(img), func(c color.NRGBA) color.NRGBA {
		var v uint8
		if c.R > thresholdLevel {
			v = 255
		}
		return color.NRGBA{v, v, v, 255}
	}), nil
}

func resize(img image.Image) (image.Image, error) {
	b := img.Bounds()
	return imaging.Resize(img, half(b.Dx()), half(b.Dy()), imaging.Linear), nil
}

func half(n int) int {
	h := int(math.Round(float64(n) / 2))
	if h < 1 {
		h = 1
	}
	return h
}

// edgeDetection marks edges using Sobel gradient magnitudes (L1
// norm) with hysteresis: pixels at or above edgeHigh are edges, as
// are pixels at or above edgeLow that are connected to an edge.
func edgeDetection(img image.Image) (image.Image, error) {
	gray := imaging.Grayscale(img)
	abs := &imaging.ConvolveOptions{Abs: true}
	var (
		gx   = imaging.Convolve3x3(gray, sobelX, abs)
		gy   = imaging.Convolve3x3(gray, sobelY, abs)
		b    = gray.Bounds()
		w, h = b.Dx(), b.Dy()
		mag  = make([]int, w*h)
		out  = image.NewGray(image.Rect(0, 0, w, h))
	)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			mag[y*w+x] = int(gx.Pix[y*gx.Stride+x*4]) + int(gy.Pix[y*gy.Stride+x*4])
		}
	}
	var stack []int
	for i, m := range mag {
		if m >= edgeHigh {
			out.Pix[(i/w)*out.Stride+i%w] = 255
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if mag[j] < edgeLow || out.Pix[ny*out.Stride+nx] != 0 {
					continue
				}
				out.Pix[ny*out.Stride+nx] = 255
				stack = append(stack, j)
			}
		}
	}
	return out, nil
}
