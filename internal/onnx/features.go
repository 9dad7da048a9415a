package onnx

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/up-zero/gotool/mediautil"

	"github.com/heimdex/avatar-agent/internal/models"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

// Whisper log-mel frontend parameters.
const (
	SampleRate = 16000
	nFFT       = 512
	winLen     = 400
	hopLen     = 160
	NMel       = 80
	// ChunkSamples is one 30 s encoder window.
	ChunkSamples = 30 * SampleRate
	ChunkFrames  = ChunkSamples / hopLen
	// EncoderRate is the number of encoder output rows per second.
	EncoderRate = 50
)

var (
	melOnce    sync.Once
	hann       []float32
	melFilters [][]float32
)

// LogMel computes the (NMel, ChunkFrames) whisper log-mel spectrogram of up
// to 30 s of 16 kHz mono samples. Shorter input is zero padded.
func LogMel(samples []float32) tensor.Tensor {
	melOnce.Do(func() {
		hann = mediautil.HannWindow(winLen)
		melFilters = mediautil.MelFilters(SampleRate, nFFT, NMel, 0, 0)
	})

	padded := make([]float32, ChunkSamples)
	copy(padded, samples)
	ref := padReflect(padded, nFFT/2)

	logSpec := make([]float32, ChunkFrames*NMel)
	maxV := float32(-math.MaxFloat32)
	buf := make([]complex128, nFFT)
	for i := 0; i < ChunkFrames; i++ {
		start := i * hopLen
		for j := 0; j < winLen; j++ {
			buf[j] = complex(float64(ref[start+j]*hann[j]), 0)
		}
		spectrum := mediautil.FFT(buf)

		for k := 0; k < NMel; k++ {
			sum := 0.0
			for j := 0; j < nFFT/2+1; j++ {
				if w := melFilters[k][j]; w > 0 {
					re, im := real(spectrum[j]), imag(spectrum[j])
					sum += (re*re + im*im) * float64(w)
				}
			}
			v := float32(math.Log10(max(sum, 1e-10)))
			logSpec[i*NMel+k] = v
			maxV = max(maxV, v)
		}
	}

	out := tensor.Zeros(NMel, ChunkFrames)
	for i := 0; i < ChunkFrames; i++ {
		for k := 0; k < NMel; k++ {
			out.Data[k*ChunkFrames+i] = (max(logSpec[i*NMel+k], maxV-8) + 4) / 4
		}
	}
	return out
}

func padReflect(s []float32, p int) []float32 {
	n := len(s)
	res := make([]float32, n+2*p)
	for i := 0; i < p; i++ {
		res[i] = s[p-i]
		res[n+p+i] = s[n-2-i]
	}
	copy(res[p:], s)
	return res
}

// FeatureExtractor is the fast extractor: a whisper encoder exported to ONNX
// that returns the stacked hidden states of its last layers as
// (L, 1, T, D) or a single layer as (1, T, D).
type FeatureExtractor struct {
	sess *session
}

var _ models.FeatureExtractor = (*FeatureExtractor)(nil)

func NewFeatureExtractor(path string, threads int) (*FeatureExtractor, error) {
	sess, err := newSession(path, []string{"input_features"}, []string{"hidden_states"}, threads)
	if err != nil {
		return nil, err
	}
	return &FeatureExtractor{sess: sess}, nil
}

func (e *FeatureExtractor) Close() error {
	return e.sess.destroy()
}

// Extract reads a WAV file and returns one (L*EncoderRate/fps, D) feature per
// video frame.
func (e *FeatureExtractor) Extract(ctx context.Context, audioPath string, fps int) ([]tensor.Tensor, error) {
	raw, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, err
	}
	samples, err := DecodeWAV(raw)
	if err != nil {
		return nil, err
	}

	var layers []tensor.Tensor
	for start := 0; start < len(samples); start += ChunkSamples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+ChunkSamples, len(samples))
		mel := LogMel(samples[start:end])
		in, err := mel.Reshape(1, NMel, ChunkFrames)
		if err != nil {
			return nil, err
		}
		hidden, err := e.sess.run(in)
		if err != nil {
			return nil, fmt.Errorf("whisper encoder: %w", err)
		}
		rows := (end - start) * EncoderRate / SampleRate
		chunk, err := trimHidden(hidden, rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, chunk)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("audio %s has no samples", audioPath)
	}

	all, err := concatTime(layers)
	if err != nil {
		return nil, err
	}
	nFrames := len(samples) * fps / SampleRate
	return FrameFeatures(all, nFrames, fps)
}

// DecodeWAV converts any PCM WAV to 16 kHz mono float samples.
func DecodeWAV(raw []byte) ([]float32, error) {
	pcm, err := mediautil.ReformatWavBytes(raw, SampleRate, 1, 16)
	if err != nil {
		return nil, fmt.Errorf("cannot reformat wav: %w", err)
	}
	if len(pcm) < 44 {
		return nil, fmt.Errorf("wav too short")
	}
	return mediautil.PcmBytesToFloat32(pcm[44:], 16)
}

// trimHidden normalizes encoder output to (L, T, D) and keeps the first rows
// time steps.
func trimHidden(h tensor.Tensor, rows int) (tensor.Tensor, error) {
	var l, t, d int
	switch h.Rank() {
	case 3:
		l, t, d = 1, h.Shape[1], h.Shape[2]
	case 4:
		l, t, d = h.Shape[0], h.Shape[2], h.Shape[3]
	default:
		return tensor.Tensor{}, fmt.Errorf("%w: hidden states %v", tensor.ErrShape, h.Shape)
	}
	rows = min(max(rows, 1), t)
	out := tensor.Zeros(l, rows, d)
	for li := 0; li < l; li++ {
		copy(out.Data[li*rows*d:(li+1)*rows*d], h.Data[li*t*d:li*t*d+rows*d])
	}
	return out, nil
}

// concatTime joins (L, T_i, D) chunks along the time axis.
func concatTime(chunks []tensor.Tensor) (tensor.Tensor, error) {
	l, d := chunks[0].Shape[0], chunks[0].Shape[2]
	total := 0
	for _, c := range chunks {
		if c.Shape[0] != l || c.Shape[2] != d {
			return tensor.Tensor{}, fmt.Errorf("%w: chunk %v vs %v", tensor.ErrShape, c.Shape, chunks[0].Shape)
		}
		total += c.Shape[1]
	}
	out := tensor.Zeros(l, total, d)
	off := 0
	for _, c := range chunks {
		t := c.Shape[1]
		for li := 0; li < l; li++ {
			copy(out.Data[(li*total+off)*d:], c.Data[li*t*d:(li+1)*t*d])
		}
		off += t
	}
	return out, nil
}

// FrameFeatures slices (L, T, D) encoder rows into per-frame features of
// shape (L*k, D) with k = EncoderRate/fps rows per layer. Frames past the end
// of the encoder output repeat its last rows.
func FrameFeatures(hidden tensor.Tensor, nFrames, fps int) ([]tensor.Tensor, error) {
	if hidden.Rank() != 3 {
		return nil, fmt.Errorf("%w: want (L,T,D), got %v", tensor.ErrShape, hidden.Shape)
	}
	if fps <= 0 || EncoderRate%fps != 0 {
		return nil, fmt.Errorf("fps %d must divide %d", fps, EncoderRate)
	}
	l, t, d := hidden.Shape[0], hidden.Shape[1], hidden.Shape[2]
	k := EncoderRate / fps

	out := make([]tensor.Tensor, nFrames)
	for f := range out {
		feat := tensor.Zeros(l*k, d)
		for li := 0; li < l; li++ {
			for r := 0; r < k; r++ {
				row := min(f*k+r, t-1)
				src := hidden.Data[(li*t+row)*d : (li*t+row+1)*d]
				copy(feat.Data[(li*k+r)*d:], src)
			}
		}
		out[f] = feat
	}
	return out, nil
}
