// Package onnx runs the avatar models in-process with ONNX Runtime.
package onnx

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/heimdex/avatar-agent/internal/tensor"
)

var (
	envOnce sync.Once
	envErr  error
)

// candidateLibraries are probed in order when no library path is configured.
var candidateLibraries = []string{
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.dylib",
	"/opt/homebrew/lib/libonnxruntime.dylib",
}

// Init loads the ONNX Runtime shared library once per process.
func Init(libPath string) error {
	envOnce.Do(func() {
		if libPath == "" {
			libPath = os.Getenv("ONNXRUNTIME_LIB_PATH")
		}
		if libPath == "" {
			for _, p := range candidateLibraries {
				if _, err := os.Stat(p); err == nil {
					libPath = p
					break
				}
			}
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX Runtime (set onnx.library_path): %w", err)
		}
	})
	return envErr
}

// Shutdown releases the runtime environment.
func Shutdown() error {
	return ort.DestroyEnvironment()
}

// session is a dynamic-shape session with float32 inputs and one output.
type session struct {
	mu   sync.Mutex
	sess *ort.DynamicAdvancedSession
	path string
}

func newSession(path string, inputs, outputs []string, threads int) (*session, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if threads > 0 {
		if err := opts.SetIntraOpNumThreads(threads); err != nil {
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", path, err)
	}
	return &session{sess: sess, path: path}, nil
}

// run feeds the inputs in declaration order and returns the first output.
func (s *session) run(inputs ...tensor.Tensor) (tensor.Tensor, error) {
	values := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	for i, in := range inputs {
		t, err := ort.NewTensor(toShape(in.Shape), in.Data)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("input %d: %w", i, err)
		}
		values = append(values, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outputs := []ort.Value{nil}
	if err := s.sess.Run(values, outputs); err != nil {
		return tensor.Tensor{}, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("output is %T, want float32 tensor", outputs[0])
	}
	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())
	return tensor.New(data, fromShape(out.GetShape())...)
}

func (s *session) destroy() error {
	if s == nil || s.sess == nil {
		return nil
	}
	return s.sess.Destroy()
}

func toShape(dims []int) ort.Shape {
	s := make([]int64, len(dims))
	for i, d := range dims {
		s[i] = int64(d)
	}
	return ort.NewShape(s...)
}

func fromShape(s ort.Shape) []int {
	dims := make([]int, len(s))
	for i, d := range s {
		dims[i] = int(d)
	}
	return dims
}
