//go:build onnx

package backbone

import (
	"fmt"
	"os"

	"github.com/openfluke/affect/nn"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig configures an exported image encoder.
type ONNXConfig struct {
	// ModelPath is the .onnx file of the image tower.
	ModelPath string

	// LibraryPath overrides the onnxruntime shared library location.
	LibraryPath string

	ImageSize  int
	FeatureDim int

	InputName  string // default "pixel_values"
	OutputName string // default "image_embeds"
}

// ONNXEncoder runs an exported image encoder through onnxruntime. Its
// internals are opaque, so it exposes no attention stack.
type ONNXEncoder struct {
	logger  zerolog.Logger
	cfg     ONNXConfig
	session *ort.DynamicAdvancedSession
}

// NewONNXEncoder initializes the runtime and opens a session on the model.
func NewONNXEncoder(logger zerolog.Logger, cfg ONNXConfig) (*ONNXEncoder, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}
	if cfg.InputName == "" {
		cfg.InputName = "pixel_values"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "image_embeds"
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	sess, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		nil,
	)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create encoder session: %w", err)
	}

	logger.Info().
		Str("model", cfg.ModelPath).
		Str("input", cfg.InputName).
		Str("output", cfg.OutputName).
		Msg("ONNX image encoder loaded")

	return &ONNXEncoder{
		logger:  logger.With().Str("encoder", "onnx").Logger(),
		cfg:     cfg,
		session: sess,
	}, nil
}

func (e *ONNXEncoder) FeatureDim() int {
	return e.cfg.FeatureDim
}

// EncodeImage runs the session over images [B, 3, S, S].
func (e *ONNXEncoder) EncodeImage(images *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	s := e.cfg.ImageSize
	if images.Dims() != 4 || images.Shape[1] != 3 || images.Shape[2] != s || images.Shape[3] != s {
		return nil, fmt.Errorf("%w: want [B, 3, %d, %d], got %v", ErrImageShape, s, s, images.Shape)
	}
	batch := int64(images.Shape[0])

	input, err := ort.NewTensor(ort.NewShape(batch, 3, int64(s), int64(s)), images.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s tensor: %w", e.cfg.InputName, err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(batch, int64(e.cfg.FeatureDim)))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s tensor: %w", e.cfg.OutputName, err)
	}
	defer output.Destroy()

	if err := e.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, fmt.Errorf("encoder inference failed: %w", err)
	}

	data := append([]float32(nil), output.GetData()...)
	e.logger.Debug().Int64("frames", batch).Msg("encoded frames")
	return nn.NewTensorFromSlice(data, int(batch), e.cfg.FeatureDim), nil
}

// Close releases the session and the runtime environment.
func (e *ONNXEncoder) Close() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return err
		}
	}
	return ort.DestroyEnvironment()
}
