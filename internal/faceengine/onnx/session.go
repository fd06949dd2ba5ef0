// Package onnx runs face detection and embedding in-process with onnxruntime.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// AcquireTimeout bounds how long a caller waits for a free session.
const AcquireTimeout = 5 * time.Second

var errPoolClosed = errors.New("session pool is closed")

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the onnxruntime shared library once per process.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("initializing onnxruntime: %w", err)
		}
	})
	return envErr
}

// session is one loaded model with its bound input and output tensors.
// A session must only be used by one goroutine at a time.
type session struct {
	run    *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

type tensorSpec struct {
	modelPath   string
	inputName   string
	outputName  string
	inputShape  ort.Shape
	outputShape ort.Shape
}

func newSession(spec tensorSpec) (*session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("error configuring session threads: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](spec.inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](spec.outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	s, err := ort.NewAdvancedSession(
		spec.modelPath,
		[]string{spec.inputName},
		[]string{spec.outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session for %s: %w", spec.modelPath, err)
	}

	return &session{run: s, input: inputTensor, output: outputTensor}, nil
}

func (s *session) destroy() {
	if s.run != nil {
		s.run.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// infer fills the input tensor, runs the model and returns a copy of the output.
func (s *session) infer(fill func(dst []float32)) ([]float32, error) {
	fill(s.input.GetData())
	if err := s.run.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	out := s.output.GetData()
	res := make([]float32, len(out))
	copy(res, out)
	return res, nil
}

// sessionPool hands out a fixed number of identical sessions.
type sessionPool struct {
	sessions chan *session
	mu       sync.Mutex
	closed   bool
}

func newSessionPool(spec tensorSpec, size int) (*sessionPool, error) {
	if size <= 0 {
		size = 1
	}
	p := &sessionPool{sessions: make(chan *session, size)}
	for i := 0; i < size; i++ {
		s, err := newSession(spec)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		p.sessions <- s
	}
	return p, nil
}

func (p *sessionPool) acquire(ctx context.Context) (*session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errPoolClosed
	}

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case s, ok := <-p.sessions:
		if !ok {
			return nil, errPoolClosed
		}
		return s, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *sessionPool) release(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.destroy()
		return
	}
	p.sessions <- s
}

// with runs fn on a pooled session.
func (p *sessionPool) with(ctx context.Context, fn func(*session) ([]float32, error)) ([]float32, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(s)
	return fn(s)
}

func (p *sessionPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.sessions)
	for s := range p.sessions {
		s.destroy()
	}
}
