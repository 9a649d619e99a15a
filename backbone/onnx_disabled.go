//go:build !onnx

package backbone

import (
	"errors"

	"github.com/openfluke/affect/nn"
	"github.com/rs/zerolog"
)

// ErrONNXDisabled is returned when the binary was built without the onnx tag.
var ErrONNXDisabled = errors.New("onnx backbone requires building with -tags onnx")

// ONNXConfig configures an exported image encoder.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	ImageSize   int
	FeatureDim  int
	InputName   string
	OutputName  string
}

// ONNXEncoder is unavailable in this build.
type ONNXEncoder struct{}

func NewONNXEncoder(zerolog.Logger, ONNXConfig) (*ONNXEncoder, error) {
	return nil, ErrONNXDisabled
}

func (e *ONNXEncoder) FeatureDim() int { return 0 }

func (e *ONNXEncoder) EncodeImage(*nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	return nil, ErrONNXDisabled
}

func (e *ONNXEncoder) Close() error { return nil }
