// Package audio captures microphone blocks and accumulates them for
// classification.
package audio

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	resampling "github.com/tphakala/go-audio-resampling"

	apperrors "github.com/animalrunner/listener/internal/errors"
)

// Handler receives each mono block at the model sample rate. It runs on the
// capture goroutine and must not block.
type Handler func(block []float32)

type Options struct {
	DeviceRate    int // rate the microphone is opened at
	ModelRate     int // rate the classifier expects
	BlockDuration time.Duration
	Excluded      []string // device name substrings to skip
}

// Capturer reads blocks from the best available microphone.
type Capturer struct {
	opts Options

	mu      sync.Mutex
	stream  *portaudio.Stream
	device  string
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewCapturer(opts Options) (*Capturer, error) {
	if opts.DeviceRate <= 0 || opts.ModelRate <= 0 || opts.BlockDuration <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "capture rates and block duration must be positive")
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeUnavailable, "initialize audio host")
	}
	return &Capturer{opts: opts}, nil
}

// Device returns the name of the open input device.
func (c *Capturer) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Start opens the input stream and delivers blocks to fn until ctx is done
// or Stop is called.
func (c *Capturer) Start(ctx context.Context, fn Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	dev, err := c.pickDevice()
	if err != nil {
		return err
	}

	channels := min(dev.MaxInputChannels, 2)
	frames := int(c.opts.BlockDuration.Seconds() * float64(c.opts.DeviceRate))
	conv, err := newConverter(channels, c.opts.DeviceRate, c.opts.ModelRate)
	if err != nil {
		return err
	}

	buf := make([]float32, frames*channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.opts.DeviceRate),
		FramesPerBuffer: frames,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeUnavailable, "open input stream on %s", dev.Name)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return apperrors.Wrapf(err, apperrors.CodeUnavailable, "start input stream on %s", dev.Name)
	}

	capCtx, cancel := context.WithCancel(ctx)
	c.stream, c.device, c.cancel = stream, dev.Name, cancel
	c.done = make(chan struct{})
	c.running = true

	slog.Info("started audio capture",
		"device", dev.Name,
		"channels", channels,
		"device_rate", c.opts.DeviceRate,
		"model_rate", c.opts.ModelRate,
		"block_frames", frames)

	go c.readLoop(capCtx, stream, buf, conv, fn, c.done)
	return nil
}

func (c *Capturer) readLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, conv *converter, fn Handler, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("audio input overflowed", "device", c.Device())
				continue
			}
			if ctx.Err() == nil {
				slog.Warn("audio read failed", "device", c.Device(), "error", err)
			}
			return
		}
		block, err := conv.convert(buf)
		if err != nil {
			slog.Warn("audio conversion failed", "error", err)
			continue
		}
		if len(block) > 0 {
			fn(block)
		}
	}
}

// Stop halts capture and releases the audio host.
func (c *Capturer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	_ = c.stream.Stop()
	done := c.done
	c.mu.Unlock()

	<-done

	c.mu.Lock()
	_ = c.stream.Close()
	c.stream = nil
	c.running = false
	c.mu.Unlock()
	_ = portaudio.Terminate()
}

func (c *Capturer) pickDevice() (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeUnavailable, "list audio devices")
	}
	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || isExcluded(dev.Name, c.opts.Excluded) {
			continue
		}
		if best == nil || preferDevice(dev.Name, best.Name) {
			best = dev
		}
	}
	if best == nil {
		if def, err := portaudio.DefaultInputDevice(); err == nil && !isExcluded(def.Name, c.opts.Excluded) {
			return def, nil
		}
		return nil, apperrors.New(apperrors.CodeUnavailable, "no usable input device")
	}
	return best, nil
}

func isExcluded(name string, excluded []string) bool {
	for _, ex := range excluded {
		if containsFold(name, ex) {
			return true
		}
	}
	return false
}

// preferDevice reports whether name ranks above current. Built-in
// microphones win over external and virtual inputs.
func preferDevice(name, current string) bool {
	for _, p := range []string{"macbook", "built-in", "microphone", "mic"} {
		nameHas, currHas := containsFold(name, p), containsFold(current, p)
		if nameHas != currHas {
			return nameHas
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// converter turns interleaved device frames into mono samples at the model
// rate.
type converter struct {
	channels int
	rs       resampling.Resampler
}

func newConverter(channels, inRate, outRate int) (*converter, error) {
	c := &converter{channels: max(channels, 1)}
	if inRate == outRate {
		return c, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeInvalidArgument, "resampler %d->%d Hz", inRate, outRate)
	}
	c.rs = rs
	return c, nil
}

func (c *converter) convert(frames []float32) ([]float32, error) {
	mono := downmix(frames, c.channels)
	if c.rs == nil {
		return mono, nil
	}
	in := make([]float64, len(mono))
	for i, v := range mono {
		in[i] = float64(v)
	}
	out, err := c.rs.Process(in)
	if err != nil {
		return nil, err
	}
	res := make([]float32, len(out))
	for i, v := range out {
		res[i] = float32(v)
	}
	return res, nil
}

// downmix averages interleaved channels into one.
func downmix(frames []float32, channels int) []float32 {
	if channels <= 1 {
		return append([]float32(nil), frames...)
	}
	n := len(frames) / channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += frames[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
