// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigimage

import "testing"

func TestOutputName(t *testing.T) {
	for _, c := range []struct {
		image, operation, want string
	}{
		{"a.jpg", "grayscale", "a_grayscale.jpg"},
		{"b.png", "blur", "b_blur.jpg"},
		{"uploads/c.jpeg", "resize", "c_resize.jpg"},
		{"s3://bucket/path/d.png", "threshold", "d_threshold.jpg"},
		{`uploads\e.jpg`, "color_inversion", "e_color_inversion.jpg"},
		{"f.tar.png", "edge_detection", "f_edge_detection.jpg"},
		{"noext", "blur", "noext_blur.jpg"},
	} {
		if got := OutputName(c.image, c.operation); got != c.want {
			t.Errorf("OutputName(%q, %q): got %q, want %q", c.image, c.operation, got, c.want)
		}
	}
}
