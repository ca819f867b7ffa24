// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AriConfig holds the Asterisk REST Interface connection settings.
type AriConfig struct {
	Url         string `mapstructure:"url" validate:"required"`
	Username    string `mapstructure:"username" validate:"required"`
	Password    string `mapstructure:"password" validate:"required"`
	Application string `mapstructure:"application" validate:"required"`
	// TrunkPrefix identifies inbound carrier channels in StasisStart
	// (e.g. "PJSIP/twilio"). Channels with any other prefix are rejected.
	TrunkPrefix string `mapstructure:"trunk_prefix" validate:"required"`
}

// AudioSocketConfig holds the TCP framed-audio ingress settings.
type AudioSocketConfig struct {
	ListenAddress string `mapstructure:"listen_address" validate:"required"`
}

// RtpConfig holds the externalMedia / RTP egress settings.
type RtpConfig struct {
	// ListenerHost/ListenerPort is the address Asterisk streams snooped
	// audio to via externalMedia.
	ListenerHost string `mapstructure:"listener_host" validate:"required"`
	ListenerPort int    `mapstructure:"listener_port" validate:"required"`
	// SendFormat is the egress payload format: "ulaw" or "slin".
	SendFormat string `mapstructure:"send_format" validate:"oneof=ulaw slin"`
}

// OpenAIConfig holds the realtime AI session settings.
type OpenAIConfig struct {
	ApiKey        string `mapstructure:"api_key" validate:"required"`
	Model         string `mapstructure:"model" validate:"required"`
	Voice         string `mapstructure:"voice" validate:"required"`
	BaseUrl       string `mapstructure:"base_url" validate:"required"`
	InitialPrompt string `mapstructure:"initial_prompt"`
	// IdleTimeoutSec reaps AI connections with no audio in either
	// direction for this long.
	IdleTimeoutSec int `mapstructure:"idle_timeout_sec" validate:"gt=0"`
	// CommitDebounceMs is the quiet period after the last append before an
	// input_audio_buffer.commit is issued.
	CommitDebounceMs int `mapstructure:"commit_debounce_ms" validate:"gt=0"`
}

// Audio ingress strategies.
const (
	IngressExternalMedia = "external_media"
	IngressAudioSocket   = "audiosocket"
)

// AppConfig is the root application configuration.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	// AudioIngress selects how caller audio reaches the bridge:
	// "external_media" (snoop + RTP) or "audiosocket" (framed TCP).
	AudioIngress string `mapstructure:"audio_ingress" validate:"oneof=external_media audiosocket"`

	// PostgresDsn is optional; when empty, transcripts are disabled.
	PostgresDsn string `mapstructure:"postgres_dsn"`

	Ari         AriConfig         `mapstructure:"ari" validate:"required"`
	AudioSocket AudioSocketConfig `mapstructure:"audiosocket" validate:"required"`
	Rtp         RtpConfig         `mapstructure:"rtp" validate:"required"`
	OpenAI      OpenAIConfig      `mapstructure:"openai" validate:"required"`
}

// InitConfig reads configuration from .env / environment variables.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "bianca-bridge")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("AUDIO_INGRESS", "external_media")
	v.SetDefault("POSTGRES_DSN", "")

	v.SetDefault("ARI__URL", "http://localhost:8088")
	v.SetDefault("ARI__USERNAME", "")
	v.SetDefault("ARI__PASSWORD", "")
	v.SetDefault("ARI__APPLICATION", "bianca")
	v.SetDefault("ARI__TRUNK_PREFIX", "PJSIP/")

	v.SetDefault("AUDIOSOCKET__LISTEN_ADDRESS", "0.0.0.0:9099")

	v.SetDefault("RTP__LISTENER_HOST", "127.0.0.1")
	v.SetDefault("RTP__LISTENER_PORT", 9100)
	v.SetDefault("RTP__SEND_FORMAT", "ulaw")

	v.SetDefault("OPENAI__API_KEY", "")
	v.SetDefault("OPENAI__MODEL", "gpt-4o-realtime-preview")
	v.SetDefault("OPENAI__VOICE", "alloy")
	v.SetDefault("OPENAI__BASE_URL", "wss://api.openai.com")
	v.SetDefault("OPENAI__INITIAL_PROMPT", "")
	v.SetDefault("OPENAI__IDLE_TIMEOUT_SEC", 300)
	v.SetDefault("OPENAI__COMMIT_DEBOUNCE_MS", 1000)
}

// GetApplicationConfig unmarshals and validates the application config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
