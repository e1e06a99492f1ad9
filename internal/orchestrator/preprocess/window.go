// Package preprocess shapes raw sample windows into classifier input.
package preprocess

import (
	"encoding/binary"
	"math"

	apperrors "github.com/animalrunner/listener/internal/errors"
)

// Sample is any numeric PCM sample type the capture path may produce.
type Sample interface {
	~int16 | ~int32 | ~float32 | ~float64
}

// Tensor is a single-batch, single-channel model input of shape [1, L].
type Tensor struct {
	Shape [2]int
	Data  []float32
}

// Len returns the sample count L.
func (t Tensor) Len() int { return t.Shape[1] }

// Window length-normalizes samples to length, converts them to float32, peak
// normalizes, and shapes the result as [1, length]. An all-zero window is
// returned unscaled.
func Window[S Sample](samples []S, length int) (Tensor, error) {
	if length <= 0 {
		return Tensor{}, apperrors.Newf(apperrors.CodePreprocessFailed, "invalid window length %d", length)
	}
	if len(samples) == 0 {
		return Tensor{}, apperrors.New(apperrors.CodePreprocessFailed, "empty sample window")
	}

	data := make([]float32, length)
	n := min(len(samples), length)
	var peak float64
	for i := 0; i < n; i++ {
		v := float64(samples[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Tensor{}, apperrors.Newf(apperrors.CodePreprocessFailed, "non-finite sample at %d", i).
				WithMetadata("value", formatFloat(v))
		}
		data[i] = float32(v)
		peak = max(peak, math.Abs(float64(data[i])))
	}

	if peak > 0 {
		scale := float32(1 / peak)
		for i := 0; i < n; i++ {
			data[i] *= scale
		}
	}

	return Tensor{Shape: [2]int{1, length}, Data: data}, nil
}

// Bytes encodes the tensor data as little-endian float32.
func (t Tensor) Bytes() []byte {
	buf := make([]byte, len(t.Data)*Float32ByteSize)
	for i, s := range t.Data {
		binary.LittleEndian.PutUint32(buf[i*Float32ByteSize:], math.Float32bits(s))
	}
	return buf
}

// FromBytes decodes little-endian float32 data into a [1, n] tensor.
func FromBytes(b []byte) (Tensor, error) {
	if len(b)%Float32ByteSize != 0 {
		return Tensor{}, apperrors.Newf(apperrors.CodePreprocessFailed, "tensor payload of %d bytes is not float32 aligned", len(b))
	}
	data := make([]float32, len(b)/Float32ByteSize)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*Float32ByteSize:]))
	}
	return Tensor{Shape: [2]int{1, len(data)}, Data: data}, nil
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	default:
		return "-Inf"
	}
}
