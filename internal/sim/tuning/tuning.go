package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"towerwars.ai/internal/sim/capture"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`

	Capture Capture `yaml:"capture"`
	Session Session `yaml:"session"`
}

type Capture struct {
	Threshold              float64 `yaml:"threshold"`
	BaseCaptureRate        float64 `yaml:"base_capture_rate"`
	DecayRate              float64 `yaml:"decay_rate"`
	RecaptureWindowSeconds float64 `yaml:"recapture_window_seconds"`
	CooldownSeconds        float64 `yaml:"cooldown_seconds"`
	CaptureRadius          float64 `yaml:"capture_radius"`
	ProgressStep           float64 `yaml:"progress_step"`
}

type Session struct {
	// MaxQueue bounds each observer's outbound queue; overflow drops the session.
	MaxQueue int `yaml:"max_queue"`
	// EventRing is how many recent events are kept for EVENT_BATCH resume.
	EventRing int `yaml:"event_ring"`
	// InboxSize bounds the occupancy request channel.
	InboxSize int `yaml:"inbox_size"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      20,
		Capture: Capture{
			Threshold:              100,
			BaseCaptureRate:        20,
			DecayRate:              10,
			RecaptureWindowSeconds: 5,
			CooldownSeconds:        5,
			CaptureRadius:          10,
			ProgressStep:           5,
		},
		Session: Session{
			MaxQueue:  256,
			EventRing: 4096,
			InboxSize: 1024,
		},
	}
}

// Load reads path over Defaults, so a file may set only the keys it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if t.TickRateHz <= 0 {
		return t, fmt.Errorf("tuning.yaml: tick_rate_hz must be positive, got %d", t.TickRateHz)
	}
	if t.Capture.Threshold <= 0 {
		return t, fmt.Errorf("tuning.yaml: capture.threshold must be positive")
	}
	return t, nil
}

// CaptureParams converts the capture section to zone parameters.
func (t Tuning) CaptureParams() capture.Params {
	return capture.Params{
		Threshold:       t.Capture.Threshold,
		CaptureRate:     t.Capture.BaseCaptureRate,
		DecayRate:       t.Capture.DecayRate,
		RecaptureWindow: seconds(t.Capture.RecaptureWindowSeconds),
		Cooldown:        seconds(t.Capture.CooldownSeconds),
		ProgressStep:    t.Capture.ProgressStep,
	}
}

func (t Tuning) TickInterval() time.Duration {
	if t.TickRateHz <= 0 {
		return 50 * time.Millisecond
	}
	return time.Second / time.Duration(t.TickRateHz)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
