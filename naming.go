// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigimage

import (
	"path"
	"strings"
)

// OutputExt is the extension of every output image. Outputs are
// always encoded as JPEG, regardless of the input format.
const OutputExt = "jpg"

// OutputName returns the name of the output file for the result of
// applying operation to image: "{stem}_{operation}.jpg", where stem
// is the image's base name up to its first ".". Submitters compute
// output locations with this same rule, so it must not change.
//
//	OutputName("uploads/a.jpg", "grayscale") == "a_grayscale.jpg"
//	OutputName("s3://bucket/b.png", "blur") == "b_blur.jpg"
func OutputName(image, operation string) string {
	stem := path.Base(strings.Replace(image, "\\", "/", -1))
	if i := strings.Index(stem, "."); i >= 0 {
		stem = stem[:i]
	}
	return stem + "_" + operation + "." + OutputExt
}
