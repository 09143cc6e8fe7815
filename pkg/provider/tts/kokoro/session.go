package kokoro

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Session runs the acoustic model: padded token ids and one style row in, a
// mono waveform out. Implementations must be safe for concurrent Run calls.
type Session interface {
	Run(tokens []int64, style []float32, speed float32) ([]float32, error)
	Close() error
}

// SessionOpener loads a model file into a [Session].
type SessionOpener func(modelPath string) (Session, error)

// Model tensor names.
const (
	inputIDs    = "input_ids"
	inputStyle  = "style"
	inputSpeed  = "speed"
	outputAudio = "waveform"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// ONNXOpener returns a [SessionOpener] backed by onnxruntime. libPath points
// at the onnxruntime shared library; empty uses the platform default name.
// The runtime environment is initialised once per process.
func ONNXOpener(libPath string) SessionOpener {
	return func(modelPath string) (Session, error) {
		ortInitOnce.Do(func() {
			if ort.IsInitialized() {
				return
			}
			if libPath != "" {
				ort.SetSharedLibraryPath(libPath)
			}
			ortInitErr = ort.InitializeEnvironment()
		})
		if ortInitErr != nil {
			return nil, fmt.Errorf("kokoro: init onnxruntime: %w", ortInitErr)
		}

		s, err := ort.NewDynamicAdvancedSession(modelPath,
			[]string{inputIDs, inputStyle, inputSpeed},
			[]string{outputAudio},
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("kokoro: load model %s: %w", modelPath, err)
		}
		return &onnxSession{s: s}, nil
	}
}

type onnxSession struct {
	s *ort.DynamicAdvancedSession
}

// Run implements [Session].
func (o *onnxSession) Run(tokens []int64, style []float32, speed float32) ([]float32, error) {
	ids, err := ort.NewTensor(ort.NewShape(1, int64(len(tokens))), tokens)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer ids.Destroy()

	// The tensor is backed by the slice it is given; table rows are shared.
	styleRow := make([]float32, len(style))
	copy(styleRow, style)
	st, err := ort.NewTensor(ort.NewShape(1, int64(len(styleRow))), styleRow)
	if err != nil {
		return nil, fmt.Errorf("style tensor: %w", err)
	}
	defer st.Destroy()

	sp, err := ort.NewTensor(ort.NewShape(1), []float32{speed})
	if err != nil {
		return nil, fmt.Errorf("speed tensor: %w", err)
	}
	defer sp.Destroy()

	outputs := []ort.Value{nil}
	if err := o.s.Run([]ort.Value{ids, st, sp}, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy()

	wave, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	data := wave.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// Close implements [Session].
func (o *onnxSession) Close() error {
	return o.s.Destroy()
}
