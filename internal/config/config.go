package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	APIBaseURL string
	WSBaseURL  string
	AuthToken  string

	// Role determines who initiates signaling and who wins glare.
	// Valid values: "representative", "customer".
	Role string

	SignalConfig    SignalConfig
	RTCConfig       RTCConfig
	AudioConfig     AudioConfig
	PostgresDSN     string
	RecordingConfig RecordingConfig
	StorageConfig   StorageConfig
}

type SignalConfig struct {
	ReconnectMaxAttempts uint64
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	SendBufferSize       int
	WriteTimeout         time.Duration
	HandshakeTimeout     time.Duration
}

type RTCConfig struct {
	ICEServers          []string
	MaxICERestarts      int
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

type AudioConfig struct {
	SampleRate        int
	ChannelCount      int
	CaptureLatency    time.Duration
	RingCapacity      int
	StalenessWindow   time.Duration
	ResumeMaxAttempts int
}

type RecordingConfig struct {
	Enabled    bool
	OutputPath string
}

type StorageConfig struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	UseSSL         bool
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		APIBaseURL: "http://localhost:3001",
		WSBaseURL:  "ws://localhost:3001",
		Role:       "customer",
		SignalConfig: SignalConfig{
			ReconnectMaxAttempts: 5,
			ReconnectInitial:     time.Second,
			ReconnectMax:         15 * time.Second,
			SendBufferSize:       256,
			WriteTimeout:         10 * time.Second,
			HandshakeTimeout:     10 * time.Second,
		},
		RTCConfig: RTCConfig{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			MaxICERestarts:      3,
			DisconnectedTimeout: 5 * time.Second,
			FailedTimeout:       10 * time.Second,
			KeepAliveInterval:   30 * time.Second,
		},
		AudioConfig: AudioConfig{
			SampleRate:        48000,
			ChannelCount:      1,
			CaptureLatency:    20 * time.Millisecond,
			RingCapacity:      512,
			StalenessWindow:   5 * time.Second,
			ResumeMaxAttempts: 3,
		},
		RecordingConfig: RecordingConfig{
			Enabled:    false,
			OutputPath: "recordings/",
		},
		StorageConfig: StorageConfig{
			Bucket:         "voicedesk-recordings",
			ConnectTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   2 * time.Second,
		},
	}
}

// FromEnv overlays environment variables onto the defaults.
func FromEnv() *Config {
	cfg := NewDefaultConfig()

	setString(&cfg.APIBaseURL, "VOICEDESK_API_URL")
	setString(&cfg.WSBaseURL, "VOICEDESK_WS_URL")
	setString(&cfg.AuthToken, "VOICEDESK_TOKEN")
	setString(&cfg.Role, "VOICEDESK_ROLE")
	setString(&cfg.PostgresDSN, "VOICEDESK_POSTGRES_DSN")

	setUint64(&cfg.SignalConfig.ReconnectMaxAttempts, "VOICEDESK_RECONNECT_ATTEMPTS")
	setInt(&cfg.SignalConfig.SendBufferSize, "VOICEDESK_SEND_BUFFER")
	setInt(&cfg.RTCConfig.MaxICERestarts, "VOICEDESK_MAX_ICE_RESTARTS")
	setInt(&cfg.AudioConfig.RingCapacity, "VOICEDESK_AUDIO_RING_CAPACITY")
	setDuration(&cfg.AudioConfig.StalenessWindow, "VOICEDESK_AUDIO_STALENESS")
	setInt(&cfg.AudioConfig.ResumeMaxAttempts, "VOICEDESK_AUDIO_RESUME_ATTEMPTS")

	setBool(&cfg.RecordingConfig.Enabled, "VOICEDESK_RECORDING_ENABLED")
	setString(&cfg.RecordingConfig.OutputPath, "VOICEDESK_RECORDING_PATH")
	setString(&cfg.StorageConfig.Endpoint, "VOICEDESK_MINIO_ENDPOINT")
	setString(&cfg.StorageConfig.AccessKey, "VOICEDESK_MINIO_ACCESS_KEY")
	setString(&cfg.StorageConfig.SecretKey, "VOICEDESK_MINIO_SECRET_KEY")
	setString(&cfg.StorageConfig.Bucket, "VOICEDESK_MINIO_BUCKET")
	setString(&cfg.StorageConfig.Region, "VOICEDESK_MINIO_REGION")
	setBool(&cfg.StorageConfig.UseSSL, "VOICEDESK_MINIO_SSL")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
