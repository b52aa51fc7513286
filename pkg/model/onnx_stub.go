//go:build !onnxruntime

package model

import "errors"

// ErrONNXUnavailable is returned when the binary was built without the
// onnxruntime tag.
var ErrONNXUnavailable = errors.New("onnx runtime support not compiled in (build with -tags onnxruntime)")

func newONNXBackbone(ONNXOptions) (Backbone, error) {
	return nil, ErrONNXUnavailable
}
