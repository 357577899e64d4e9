package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/dkeye/voiceroom/internal/media"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=0"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"min=0"`
	Secret     string        `mapstructure:"secret" validate:"required"`
	Log        LogConfig     `mapstructure:"log"`
	Signal     SignalConfig  `mapstructure:"signal"`
	Media      MediaConfig   `mapstructure:"media"`
	Room       RoomConfig    `mapstructure:"room"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

type SignalConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`
	SendBuffer     int           `mapstructure:"send_buffer" validate:"min=1"`
	RateLimit      int           `mapstructure:"rate_limit" validate:"min=0"`
	RateInterval   time.Duration `mapstructure:"rate_interval" validate:"min=0"`
}

type MediaConfig struct {
	Codecs     []CodecConfig    `mapstructure:"codecs" validate:"min=1,dive"`
	AudioLevel AudioLevelConfig `mapstructure:"audio_level"`
	WebRTC     WebRTCConfig     `mapstructure:"webrtc"`
	Plain      PlainConfig      `mapstructure:"plain"`
}

type CodecConfig struct {
	Kind        string         `mapstructure:"kind" validate:"oneof=audio video"`
	MimeType    string         `mapstructure:"mime_type" validate:"required,contains=/"`
	ClockRate   uint32         `mapstructure:"clock_rate" validate:"required"`
	Channels    uint16         `mapstructure:"channels"`
	PayloadType uint8          `mapstructure:"payload_type"`
	Parameters  map[string]any `mapstructure:"parameters"`
}

type AudioLevelConfig struct {
	MaxEntries int `mapstructure:"max_entries" validate:"min=1"`
	// Threshold is in dBov.
	Threshold int `mapstructure:"threshold" validate:"min=-127,max=0"`
	// Interval is in milliseconds.
	Interval int `mapstructure:"interval" validate:"min=1"`
}

type WebRTCConfig struct {
	ICEServers         []string `mapstructure:"ice_servers"`
	AnnouncedIP        string   `mapstructure:"announced_ip" validate:"omitempty,ip"`
	UDPPortMin         uint16   `mapstructure:"udp_port_min"`
	UDPPortMax         uint16   `mapstructure:"udp_port_max" validate:"gtefield=UDPPortMin"`
	MaxIncomingBitrate int      `mapstructure:"max_incoming_bitrate" validate:"min=0"`
	ICELite            bool     `mapstructure:"ice_lite"`
}

type PlainConfig struct {
	ListenIP    string `mapstructure:"listen_ip" validate:"omitempty,ip"`
	AnnouncedIP string `mapstructure:"announced_ip" validate:"omitempty,ip"`
}

type RoomConfig struct {
	// StatusInterval is how often room status is logged; zero disables it.
	StatusInterval time.Duration `mapstructure:"status_interval" validate:"min=0"`
}

// MediaCodecs converts the configured codec list for the router.
func (c *Config) MediaCodecs() []media.RTPCodecCapability {
	out := make([]media.RTPCodecCapability, 0, len(c.Media.Codecs))
	for _, codec := range c.Media.Codecs {
		out = append(out, media.RTPCodecCapability{
			Kind:                 media.Kind(codec.Kind),
			MimeType:             codec.MimeType,
			PreferredPayloadType: codec.PayloadType,
			ClockRate:            codec.ClockRate,
			Channels:             codec.Channels,
			Parameters:           codec.Parameters,
		})
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "voiceroom-dev-secret")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("signal.request_timeout", "10s")
	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_interval", "1s")

	v.SetDefault("media.codecs", []map[string]any{
		{"kind": "audio", "mime_type": "audio/opus", "clock_rate": 48000, "channels": 2},
		{"kind": "video", "mime_type": "video/VP8", "clock_rate": 90000},
		{
			"kind": "video", "mime_type": "video/H264", "clock_rate": 90000,
			"parameters": map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
	})
	v.SetDefault("media.audio_level.max_entries", 1)
	v.SetDefault("media.audio_level.threshold", -80)
	v.SetDefault("media.audio_level.interval", 800)
	v.SetDefault("media.webrtc.ice_servers", []string{})
	v.SetDefault("media.webrtc.announced_ip", "")
	v.SetDefault("media.webrtc.udp_port_min", 40000)
	v.SetDefault("media.webrtc.udp_port_max", 49999)
	v.SetDefault("media.webrtc.max_incoming_bitrate", 1500000)
	v.SetDefault("media.webrtc.ice_lite", false)
	v.SetDefault("media.plain.listen_ip", "127.0.0.1")
	v.SetDefault("media.plain.announced_ip", "")

	v.SetDefault("room.status_interval", "2m")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). A missing
// file falls back to defaults; VOICE_* environment variables override both.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}
