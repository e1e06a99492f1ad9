package resilience

import "time"

const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3

	// The consumer asks for a prediction every process interval, so a short
	// reset lets the pipeline recover within a few windows.
	InferenceThreshold         = 3
	InferenceResetTimeout      = 5 * time.Second
	InferenceHalfOpenSuccesses = 1
)

type Config struct {
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close
}

func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

// InferenceConfig is tuned for the classifier sidecar.
func InferenceConfig() Config {
	return Config{
		Threshold:         InferenceThreshold,
		ResetTimeout:      InferenceResetTimeout,
		HalfOpenSuccesses: InferenceHalfOpenSuccesses,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}
