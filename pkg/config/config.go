// Package config конфигурация софтфона: YAML файл и переменные окружения SOFTPHONE_*.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/dtmf"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/recording"
	"github.com/arzzra/callcore/pkg/sipua"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "SOFTPHONE"

// DefaultFileName имя файла в домашнем каталоге
const DefaultFileName = ".softphone.yaml"

// Config конфигурация софтфона
type Config struct {
	SIP        SIPConfig        `mapstructure:"sip" yaml:"sip"`
	Call       CallConfig       `mapstructure:"call" yaml:"call"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Recordings RecordingsConfig `mapstructure:"recordings" yaml:"recordings"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// SIPConfig аккаунт и транспорт
type SIPConfig struct {
	Username    string        `mapstructure:"username" yaml:"username"`
	AuthUser    string        `mapstructure:"auth_user" yaml:"auth_user,omitempty"`
	Password    string        `mapstructure:"password" yaml:"password,omitempty"`
	DisplayName string        `mapstructure:"display_name" yaml:"display_name,omitempty"`
	Domain      string        `mapstructure:"domain" yaml:"domain"`
	Server      string        `mapstructure:"server" yaml:"server,omitempty"`
	Transport   string        `mapstructure:"transport" yaml:"transport"`
	ListenHost  string        `mapstructure:"listen_host" yaml:"listen_host"`
	ListenPort  int           `mapstructure:"listen_port" yaml:"listen_port"`
	Expiry      time.Duration `mapstructure:"expiry" yaml:"expiry"`
	UserAgent   string        `mapstructure:"user_agent" yaml:"user_agent"`
	// IncomingRate входящих INVITE в секунду, 0 без ограничения
	IncomingRate  float64 `mapstructure:"incoming_rate" yaml:"incoming_rate"`
	IncomingBurst int     `mapstructure:"incoming_burst" yaml:"incoming_burst"`
}

// CallConfig тайминги контроллера звонка
type CallConfig struct {
	IncomingTimeout time.Duration `mapstructure:"incoming_timeout" yaml:"incoming_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ToneDuration    time.Duration `mapstructure:"tone_duration" yaml:"tone_duration"`
	ToneGap         time.Duration `mapstructure:"tone_gap" yaml:"tone_gap"`
	AudioWait       time.Duration `mapstructure:"audio_wait" yaml:"audio_wait"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout" yaml:"finalize_timeout"`
}

// StorageConfig путь к базе SQLite
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RecordingsConfig каталог записей и срок хранения
type RecordingsConfig struct {
	Dir           string `mapstructure:"dir" yaml:"dir"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
	Schedule      string `mapstructure:"schedule" yaml:"schedule"`
	MinFreeBytes  uint64 `mapstructure:"min_free_bytes" yaml:"min_free_bytes"`
}

// MetricsConfig prometheus
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	// Listen адрес HTTP для /metrics, пустой не поднимает сервер
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
}

// LogConfig уровень и формат логов
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".softphone")
	return &Config{
		SIP: SIPConfig{
			Transport:  "udp",
			ListenHost: "0.0.0.0",
			Expiry:     sipua.DefaultExpiry,
			UserAgent:  sipua.DefaultUserAgent,
		},
		Call: CallConfig{
			IncomingTimeout: call.DefaultIncomingTimeout,
			SettleDelay:     recording.DefaultSettleDelay,
			ToneDuration:    dtmf.ToneDuration,
			ToneGap:         dtmf.InterToneGap,
			AudioWait:       call.DefaultAudioWait,
			FinalizeTimeout: call.DefaultFinalizeTimeout,
		},
		Storage: StorageConfig{Path: filepath.Join(base, "softphone.db")},
		Recordings: RecordingsConfig{
			Dir:           filepath.Join(base, "recordings"),
			RetentionDays: 90,
			Schedule:      recording.DefaultRetentionSpec,
			MinFreeBytes:  50 << 20,
		},
		Metrics: MetricsConfig{Namespace: "softphone"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("sip.username", d.SIP.Username)
	v.SetDefault("sip.auth_user", d.SIP.AuthUser)
	v.SetDefault("sip.password", d.SIP.Password)
	v.SetDefault("sip.display_name", d.SIP.DisplayName)
	v.SetDefault("sip.domain", d.SIP.Domain)
	v.SetDefault("sip.server", d.SIP.Server)
	v.SetDefault("sip.transport", d.SIP.Transport)
	v.SetDefault("sip.listen_host", d.SIP.ListenHost)
	v.SetDefault("sip.listen_port", d.SIP.ListenPort)
	v.SetDefault("sip.expiry", d.SIP.Expiry)
	v.SetDefault("sip.user_agent", d.SIP.UserAgent)
	v.SetDefault("sip.incoming_rate", d.SIP.IncomingRate)
	v.SetDefault("sip.incoming_burst", d.SIP.IncomingBurst)

	v.SetDefault("call.incoming_timeout", d.Call.IncomingTimeout)
	v.SetDefault("call.settle_delay", d.Call.SettleDelay)
	v.SetDefault("call.tone_duration", d.Call.ToneDuration)
	v.SetDefault("call.tone_gap", d.Call.ToneGap)
	v.SetDefault("call.audio_wait", d.Call.AudioWait)
	v.SetDefault("call.finalize_timeout", d.Call.FinalizeTimeout)

	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("recordings.dir", d.Recordings.Dir)
	v.SetDefault("recordings.retention_days", d.Recordings.RetentionDays)
	v.SetDefault("recordings.schedule", d.Recordings.Schedule)
	v.SetDefault("recordings.min_free_bytes", d.Recordings.MinFreeBytes)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.listen", d.Metrics.Listen)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load читает конфигурацию. Пустой path означает ~/.softphone.yaml, если он есть.
// Переменные окружения перекрывают файл: SOFTPHONE_SIP_USERNAME, SOFTPHONE_CALL_INCOMING_TIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, ".yaml"))
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("чтение конфигурации: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save записывает конфигурацию в YAML с правами 0600, пароль остается в файле
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("сериализация конфигурации: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("каталог конфигурации: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("запись конфигурации %s: %w", path, err)
	}
	return nil
}

// Validate проверяет значения и заполняет пропущенные значениями по умолчанию
func (c *Config) Validate() error {
	d := DefaultConfig()

	c.SIP.Transport = strings.ToLower(c.SIP.Transport)
	switch c.SIP.Transport {
	case "":
		c.SIP.Transport = d.SIP.Transport
	case "udp", "tcp":
	default:
		return fmt.Errorf("sip.transport: неподдерживаемый транспорт %q", c.SIP.Transport)
	}
	if c.SIP.ListenPort < 0 || c.SIP.ListenPort > 65535 {
		return fmt.Errorf("sip.listen_port: некорректный порт %d", c.SIP.ListenPort)
	}
	if c.SIP.Expiry <= 0 {
		c.SIP.Expiry = d.SIP.Expiry
	}
	if c.SIP.IncomingRate < 0 {
		return fmt.Errorf("sip.incoming_rate не может быть отрицательным")
	}

	if c.Call.IncomingTimeout <= 0 {
		c.Call.IncomingTimeout = d.Call.IncomingTimeout
	}
	if c.Call.SettleDelay < recording.DefaultSettleDelay {
		c.Call.SettleDelay = recording.DefaultSettleDelay
	}
	if c.Call.ToneDuration <= 0 {
		c.Call.ToneDuration = d.Call.ToneDuration
	}
	if c.Call.ToneGap <= 0 {
		c.Call.ToneGap = d.Call.ToneGap
	}
	if c.Call.AudioWait <= 0 {
		c.Call.AudioWait = d.Call.AudioWait
	}
	if c.Call.FinalizeTimeout <= 0 {
		c.Call.FinalizeTimeout = d.Call.FinalizeTimeout
	}

	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Recordings.Dir == "" {
		c.Recordings.Dir = d.Recordings.Dir
	}
	if c.Recordings.RetentionDays < 0 {
		return fmt.Errorf("recordings.retention_days не может быть отрицательным")
	}
	if c.Recordings.Schedule == "" {
		c.Recordings.Schedule = d.Recordings.Schedule
	}
	if _, err := cron.ParseStandard(c.Recordings.Schedule); err != nil {
		return fmt.Errorf("recordings.schedule %q: %w", c.Recordings.Schedule, err)
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = d.Metrics.Namespace
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = d.Log.Format
	case "text", "json":
	default:
		return fmt.Errorf("log.format: ожидается text или json, получено %q", c.Log.Format)
	}
	return nil
}

// Retention срок хранения записей, 0 отключает очистку
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Recordings.RetentionDays) * 24 * time.Hour
}

// NewLogger логгер по настройкам log
func (c *Config) NewLogger(w io.Writer) *logger.DefaultLogger {
	opts := []logger.Option{logger.WithOutput(w), logger.WithLevel(logger.ParseLevel(c.Log.Level))}
	if c.Log.Format == "text" {
		opts = append(opts, logger.WithText())
	}
	return logger.New(opts...)
}

// AgentConfig параметры SIP агента
func (c *Config) AgentConfig(log logger.Logger) sipua.Config {
	return sipua.Config{
		Username:      c.SIP.Username,
		AuthUser:      c.SIP.AuthUser,
		Password:      c.SIP.Password,
		DisplayName:   c.SIP.DisplayName,
		Domain:        c.SIP.Domain,
		Server:        c.SIP.Server,
		Transport:     c.SIP.Transport,
		ListenHost:    c.SIP.ListenHost,
		ListenPort:    c.SIP.ListenPort,
		Expiry:        c.SIP.Expiry,
		UserAgent:     c.SIP.UserAgent,
		IncomingRate:  c.SIP.IncomingRate,
		IncomingBurst: c.SIP.IncomingBurst,
		Logger:        log,
	}
}

// ApplyCall переносит тайминги и метрики в конфигурацию контроллера
func (c *Config) ApplyCall(cc *call.Config) {
	cc.IncomingTimeout = c.Call.IncomingTimeout
	cc.SettleDelay = c.Call.SettleDelay
	cc.ToneDuration = c.Call.ToneDuration
	cc.ToneGap = c.Call.ToneGap
	cc.AudioWait = c.Call.AudioWait
	cc.FinalizeTimeout = c.Call.FinalizeTimeout
	cc.Metrics.Enabled = c.Metrics.Enabled
	cc.Metrics.Namespace = c.Metrics.Namespace
}
