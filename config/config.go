// Package config loads pipeline configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rvmedia/mediagraph/engine"
)

// Config is the full pipeline configuration.
type Config struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Encoders []EncodeConfig `yaml:"encoders"`
	Save     SaveConfig     `yaml:"save"`
	Stream   StreamConfig   `yaml:"stream"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CaptureConfig configures the capture channel.
type CaptureConfig struct {
	CameraID   int32  `yaml:"camera_id"`
	Width      uint32 `yaml:"width"`
	Height     uint32 `yaml:"height"`
	FrameRate  uint32 `yaml:"fps"`
	BufCount   uint32 `yaml:"buf_count"`
	DeviceName string `yaml:"device"`
	Pipe       int32  `yaml:"pipe"`
	Channel    int32  `yaml:"channel"`
}

// EncodeConfig configures one encode channel.
type EncodeConfig struct {
	Channel     int32  `yaml:"channel"`
	Codec       string `yaml:"codec"`
	Width       uint32 `yaml:"width"`
	Height      uint32 `yaml:"height"`
	FrameRate   uint32 `yaml:"fps"`
	GOP         uint32 `yaml:"gop"`
	BitrateKbps uint32 `yaml:"bitrate_kbps"`
	RateControl string `yaml:"rate_control"`
	JPEGQuality uint32 `yaml:"jpeg_quality"`
}

// ParseCodec maps the textual codec name to the engine constant.
func (c EncodeConfig) ParseCodec() (engine.Codec, error) {
	switch c.Codec {
	case "", "h264":
		return engine.CodecH264, nil
	case "h265", "hevc":
		return engine.CodecH265, nil
	case "mjpeg":
		return engine.CodecMJPEG, nil
	case "jpeg":
		return engine.CodecJPEG, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", c.Codec)
	}
}

// ParseRateControl maps the textual mode to the engine constant.
func (c EncodeConfig) ParseRateControl() (engine.RateControl, error) {
	switch c.RateControl {
	case "", "cbr":
		return engine.RateControlCBR, nil
	case "vbr":
		return engine.RateControlVBR, nil
	case "avbr":
		return engine.RateControlAVBR, nil
	default:
		return 0, fmt.Errorf("unknown rate control %q", c.RateControl)
	}
}

// SaveConfig configures the file saver.
type SaveConfig struct {
	Dir         string `yaml:"dir"`
	Prefix      string `yaml:"prefix"`
	Format      string `yaml:"format"`
	MaxFrames   uint64 `yaml:"max_frames"`
	MaxFileSize uint64 `yaml:"max_file_size"`
	Rollover    bool   `yaml:"rollover"`
}

// StreamConfig configures the RTP sink.
type StreamConfig struct {
	Target     string `yaml:"target"`
	SSRC       uint32 `yaml:"ssrc"`
	LogPackets bool   `yaml:"log_packets"`
}

// APIConfig configures the control HTTP server.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		Capture: CaptureConfig{
			Width:     1920,
			Height:    1080,
			FrameRate: 30,
			BufCount:  3,
		},
		Encoders: []EncodeConfig{{
			Codec:       "h264",
			Width:       1920,
			Height:      1080,
			FrameRate:   30,
			BitrateKbps: 4000,
		}},
		Save: SaveConfig{
			Dir:      ".",
			Prefix:   "rec",
			Rollover: true,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads path and unmarshals it over the defaults. A missing path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
