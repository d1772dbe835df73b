package onnx

import (
	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// modelSession is one AdvancedSession bound to its own input and output
// tensors. A session serves one Run at a time.
type modelSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

type sessionConfig struct {
	modelPath      string
	inputName      string
	outputName     string
	inputShape     ort.Shape
	outputShape    ort.Shape
	intraOpThreads int
	interOpThreads int
}

func newModelSession(cfg sessionConfig) (*modelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	if cfg.intraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.intraOpThreads); err != nil {
			return nil, errors.Wrap(err, "set intra-op threads")
		}
	}
	if cfg.interOpThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.interOpThreads); err != nil {
			return nil, errors.Wrap(err, "set inter-op threads")
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](cfg.inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](cfg.outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	session, err := ort.NewAdvancedSession(
		cfg.modelPath,
		[]string{cfg.inputName},
		[]string{cfg.outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrapf(err, "create session for %s", cfg.modelPath)
	}

	return &modelSession{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

// run copies in into the bound input, runs the model and returns a copy of
// the output.
func (m *modelSession) run(in []float32) ([]float32, error) {
	dst := m.input.GetData()
	if len(in) != len(dst) {
		return nil, errors.Newf("input has %d values, session expects %d", len(in), len(dst))
	}
	copy(dst, in)

	if err := m.session.Run(); err != nil {
		return nil, errors.Wrap(err, "run session")
	}

	src := m.output.GetData()
	out := make([]float32, len(src))
	copy(out, src)
	return out, nil
}

func (m *modelSession) destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}
