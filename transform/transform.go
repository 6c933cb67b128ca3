// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transform provides the registry of image operations that
// workers apply to tasks. Operations are named; a task naming an
// operation that is not registered fails with an errors.Invalid
// error.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io/ioutil"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// The names of the operations provided by Default.
const (
	EdgeDetection  = "edge_detection"
	ColorInversion = "color_inversion"
	Grayscale      = "grayscale"
	Blur           = "blur"
	Threshold      = "threshold"
	Resize         = "resize"
)

// A Func transforms a decoded image.
type Func func(image.Image) (image.Image, error)

// A Registry maps operation names to transforms. Registries are safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Default returns a registry with the standard set of operations:
// edge_detection, color_inversion, grayscale, blur, threshold, and
// resize.
func Default() *Registry {
	r := New()
	r.Register(EdgeDetection, edgeDetection)
	r.Register(ColorInversion, colorInversion)
	r.Register(Grayscale, grayscale)
	r.Register(Blur, blur)
	r.Register(Threshold, threshold)
	r.Register(Resize, resize)
	return r
}

// Register registers fn under the provided name. Register panics if
// the name is already registered.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		panic(fmt.Sprintf("transform.Register: operation %s is already registered", name))
	}
	r.funcs[name] = fn
}

// Lookup returns the transform registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// Names returns the sorted names of all registered operations.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Transform reads the image at the provided path (any URL supported
// by github.com/grailbio/base/file), applies the named operation,
// and returns the result encoded as JPEG. Unknown operations are
// rejected before the image is read.
func (r *Registry) Transform(ctx context.Context, path, operation string) ([]byte, error) {
	fn, ok := r.Lookup(operation)
	if !ok {
		return nil, unknown(operation)
	}
	src, err := readImage(ctx, path)
	if err != nil {
		return nil, err
	}
	return apply(fn, src)
}

// Apply applies the named operation to an encoded (JPEG or PNG)
// image and returns the result encoded as JPEG.
func (r *Registry) Apply(operation string, src []byte) ([]byte, error) {
	fn, ok := r.Lookup(operation)
	if !ok {
		return nil, unknown(operation)
	}
	return apply(fn, src)
}

func unknown(operation string) error {
	return errors.E(errors.Invalid, fmt.Sprintf("unknown operation %q", operation))
}

func apply(fn Func, src []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, errors.E(errors.Invalid, "decode image", err)
	}
	out, err := fn(img)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := imaging.Encode(&b, out, imaging.JPEG); err != nil {
		return nil, errors.E("encode image", err)
	}
	return b.Bytes(), nil
}

func readImage(ctx context.Context, path string) (data []byte, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return ioutil.ReadAll(f.Reader(ctx))
}
