// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transform

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

// halves returns a w x h image whose left half is black and whose
// right half is white.
func halves(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{0, 0, 0, 255}
			if x >= w/2 {
				c = color.NRGBA{255, 255, 255, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var b bytes.Buffer
	if err := png.Encode(&b, img); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(path, b.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func decode(t *testing.T, p []byte) image.Image {
	t.Helper()
	img, err := imaging.Decode(bytes.NewReader(p))
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestNames(t *testing.T) {
	got := Default().Names()
	want := []string{Blur, ColorInversion, EdgeDetection, Grayscale, Resize, Threshold}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	r := Default()
	r.Register(Blur, blur)
}

func TestTransform(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "halves.png")
	writePNG(t, path, halves(40, 20))
	var (
		ctx = context.Background()
		r   = Default()
	)
	for _, op := range r.Names() {
		p, err := r.Transform(ctx, path, op)
		if err != nil {
			t.Errorf("%s: %v", op, err)
			continue
		}
		if len(p) == 0 {
			t.Errorf("%s: empty payload", op)
			continue
		}
		if _, err := imaging.Decode(bytes.NewReader(p)); err != nil {
			t.Errorf("%s: %v", op, err)
		}
	}
}

func TestResize(t *testing.T) {
	var b bytes.Buffer
	if err := png.Encode(&b, halves(41, 20)); err != nil {
		t.Fatal(err)
	}
	p, err := Default().Apply(Resize, b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	bounds := decode(t, p).Bounds()
	if got, want := bounds.Dx(), 21; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := bounds.Dy(), 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnknownOperation(t *testing.T) {
	// The image does not exist: the operation is rejected before
	// the image is read.
	_, err := Default().Transform(context.Background(), "/nonexistent/a.jpg", "sharpen")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want an Invalid error", err)
	}
}

func TestMissingImage(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	_, err := Default().Transform(context.Background(), filepath.Join(dir, "missing.png"), Grayscale)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCorruptImage(t *testing.T) {
	_, err := Default().Apply(Grayscale, []byte("not an image"))
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want an Invalid error", err)
	}
}

func TestEdgeDetection(t *testing.T) {
	out, err := edgeDetection(halves(20, 10))
	if err != nil {
		t.Fatal(err)
	}
	gray := out.(*image.Gray)
	// The border between the two halves is an edge; the interior of
	// each half is not.
	if got, want := gray.GrayAt(10, 5).Y, uint8(255); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, x := range []int{2, 17} {
		if got, want := gray.GrayAt(x, 5).Y, uint8(0); got != want {
			t.Errorf("x=%d: got %v, want %v", x, got, want)
		}
	}
}

func TestThreshold(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{100, 100, 100, 255})
	img.SetNRGBA(1, 0, color.NRGBA{200, 200, 200, 255})
	out, err := threshold(img)
	if err != nil {
		t.Fatal(err)
	}
	nrgba := out.(*image.NRGBA)
	if got, want := nrgba.NRGBAAt(0, 0), (color.NRGBA{0, 0, 0, 255}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := nrgba.NRGBAAt(1, 0), (color.NRGBA{255, 255, 255, 255}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestColorInversion(t *testing.T) {
	out, err := colorInversion(halves(4, 1))
	if err != nil {
		t.Fatal(err)
	}
	nrgba := out.(*image.NRGBA)
	if got, want := nrgba.NRGBAAt(0, 0), (color.NRGBA{255, 255, 255, 255}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := nrgba.NRGBAAt(3, 0), (color.NRGBA{0, 0, 0, 255}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
