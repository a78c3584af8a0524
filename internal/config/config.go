// Package config provides configuration management for video-processor using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultDouyuTimeout        = 10 * time.Second
	defaultHeartbeatInterval   = 30 * time.Second
	defaultReconnectDelay      = 5 * time.Second
	defaultReconnectMax        = 3
	defaultSegmentDuration     = 60 * time.Minute
	defaultSegmentCooldown     = 10 * time.Second
	defaultStartTimeAdjustment = 10 * time.Minute
	defaultMinFileSizeBytes    = 10 * 1024 * 1024 // 10MB
	defaultFontSize            = 40
	defaultSCFontSize          = 38
	defaultGlobalQuality       = 25
	defaultFeedAttempts        = 3
	defaultFeedWait            = 15 * time.Second
	defaultSessionLookback     = 72 * time.Hour
	defaultStatusCheckInterval = 10 * time.Minute
	defaultPipelineInterval    = 60 * time.Minute
	defaultCleanupInterval     = 12 * time.Hour
	defaultStaleSessionAge     = 24 * time.Hour
	defaultPostOfflineDelay    = 3 * time.Minute
)

// defaultDouyuDeviceID is a browser-shaped device identifier accepted by the
// Douyu web API when no real one is configured.
const defaultDouyuDeviceID = "10000000000000000000000000001501"

// defaultBrowserUA mimics a desktop Chrome; the Douyu endpoints reject
// obviously non-browser agents.
const defaultBrowserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Douyu     DouyuConfig      `mapstructure:"douyu"`
	Recording RecordingConfig  `mapstructure:"recording"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
	Upload    UploadConfig     `mapstructure:"upload"`
	Bilibili  BilibiliConfig   `mapstructure:"bilibili"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	FFmpeg    FFmpegConfig     `mapstructure:"ffmpeg"`
	Streamers []StreamerConfig `mapstructure:"streamers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
// ProcessingDir receives raw recordings (`.part` discipline applies there);
// UploadDir is the staging area the upload task reads from. Relative values
// are resolved under BaseDir, absolute values are used as-is.
type StorageConfig struct {
	BaseDir       string `mapstructure:"base_dir"`
	ProcessingDir string `mapstructure:"processing_dir"`
	UploadDir     string `mapstructure:"upload_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DouyuConfig holds source-platform API configuration.
type DouyuConfig struct {
	APIBase           string        `mapstructure:"api_base"`
	DanmakuWSURL      string        `mapstructure:"danmaku_ws_url"`
	DeviceID          string        `mapstructure:"device_id"`
	CDN               string        `mapstructure:"cdn"`
	Rate              int           `mapstructure:"rate"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMax      int           `mapstructure:"reconnect_max"`
}

// RecordingConfig holds segment recording configuration.
type RecordingConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	// StartTimeAdjustment is subtracted from the going-live detection time
	// when a session opens, and widens session windows during upload
	// bucketing by the same amount.
	StartTimeAdjustment time.Duration `mapstructure:"start_time_adjustment"`
}

// PipelineConfig holds the post-processing stage configuration.
type PipelineConfig struct {
	// MinFileSize is the smallest recording worth keeping; shorter ones are
	// deleted together with their chat log. Supports values like "10MB".
	MinFileSize   ByteSize `mapstructure:"min_file_size"`
	FontSize      int      `mapstructure:"font_size"`
	SCFontSize    int      `mapstructure:"sc_font_size"`
	SkipEncoding  bool     `mapstructure:"skip_encoding"`
	KeepSources   bool     `mapstructure:"keep_sources"`
	VideoEncoder  string   `mapstructure:"video_encoder"`
	Preset        string   `mapstructure:"preset"`
	GlobalQuality int      `mapstructure:"global_quality"`
}

// UploadConfig holds the Bilibili upload task configuration.
type UploadConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MetaFile             string        `mapstructure:"meta_file"`
	DeleteAfterUpload    bool          `mapstructure:"delete_after_upload"`
	DanmakuTitleSuffix   string        `mapstructure:"danmaku_title_suffix"`
	NoDanmakuTitleSuffix string        `mapstructure:"no_danmaku_title_suffix"`
	FeedAttempts         int           `mapstructure:"feed_attempts"`
	FeedWait             time.Duration `mapstructure:"feed_wait"`
	// SessionLookback bounds how far back closed sessions are considered
	// when bucketing staged files. Supports values like "3d".
	SessionLookback Duration `mapstructure:"session_lookback"`
}

// BilibiliConfig holds target-platform client configuration.
type BilibiliConfig struct {
	CookieFile string `mapstructure:"cookie_file"`
	APIBase    string `mapstructure:"api_base"`
	MemberBase string `mapstructure:"member_base"`
	UserAgent  string `mapstructure:"user_agent"`
}

// SchedulerConfig holds job cadences and the post-offline hook.
type SchedulerConfig struct {
	StatusCheckInterval   time.Duration `mapstructure:"status_check_interval"`
	PipelineInterval      time.Duration `mapstructure:"pipeline_interval"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	StaleSessionAge       Duration      `mapstructure:"stale_session_age"`
	PostOfflineDelay      time.Duration `mapstructure:"post_offline_delay"`
	ProcessAfterStreamEnd bool          `mapstructure:"process_after_stream_end"`
}

// FFmpegConfig holds transcoder binary configuration and the environment
// knobs hardware encoding needs (VA-API driver discovery, render node).
type FFmpegConfig struct {
	BinaryPath    string `mapstructure:"binary_path"` // empty = "ffmpeg" from PATH
	ProbePath     string `mapstructure:"probe_path"`  // empty = "ffprobe" from PATH
	LibraryPath   string `mapstructure:"library_path"`
	VADriverName  string `mapstructure:"va_driver_name"`
	VADriversPath string `mapstructure:"va_drivers_path"`
	DeviceNode    string `mapstructure:"device_node"`
}

// StreamerConfig identifies one monitored streamer.
type StreamerConfig struct {
	Name    string `mapstructure:"name"`
	RoomID  string `mapstructure:"room_id"`
	Enabled *bool  `mapstructure:"enabled"` // nil = enabled
	// CheckInterval overrides scheduler.status_check_interval when set.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// IsEnabled reports whether the streamer should be monitored.
func (s *StreamerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VIDEO_PROCESSOR_ and use
// underscores for nesting. Example: VIDEO_PROCESSOR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/video-processor")
		v.AddConfigPath("$HOME/.video-processor")
	}

	// Environment variable settings
	v.SetEnvPrefix("VIDEO_PROCESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	// Viper's stock hooks cover time.Duration and slices; the text hook lets
	// Duration and ByteSize fields accept values like "3d" and "10MB".
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "video-processor.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.processing_dir", "processing")
	v.SetDefault("storage.upload_dir", "upload")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Douyu defaults
	v.SetDefault("douyu.api_base", "https://www.douyu.com")
	v.SetDefault("douyu.danmaku_ws_url", "wss://danmuproxy.douyu.com:8506/")
	v.SetDefault("douyu.device_id", defaultDouyuDeviceID)
	v.SetDefault("douyu.cdn", "hw-h5")
	v.SetDefault("douyu.rate", 0)
	v.SetDefault("douyu.user_agent", defaultBrowserUA)
	v.SetDefault("douyu.timeout", defaultDouyuTimeout)
	v.SetDefault("douyu.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("douyu.reconnect_delay", defaultReconnectDelay)
	v.SetDefault("douyu.reconnect_max", defaultReconnectMax)

	// Recording defaults
	v.SetDefault("recording.enabled", true)
	v.SetDefault("recording.segment_duration", defaultSegmentDuration)
	v.SetDefault("recording.cooldown", defaultSegmentCooldown)
	v.SetDefault("recording.start_time_adjustment", defaultStartTimeAdjustment)

	// Pipeline defaults
	v.SetDefault("pipeline.min_file_size", defaultMinFileSizeBytes)
	v.SetDefault("pipeline.font_size", defaultFontSize)
	v.SetDefault("pipeline.sc_font_size", defaultSCFontSize)
	v.SetDefault("pipeline.skip_encoding", false)
	v.SetDefault("pipeline.keep_sources", false)
	v.SetDefault("pipeline.video_encoder", "h264_qsv")
	v.SetDefault("pipeline.preset", "veryfast")
	v.SetDefault("pipeline.global_quality", defaultGlobalQuality)

	// Upload defaults
	v.SetDefault("upload.enabled", true)
	v.SetDefault("upload.meta_file", "meta.yaml")
	v.SetDefault("upload.delete_after_upload", false)
	v.SetDefault("upload.danmaku_title_suffix", "")
	v.SetDefault("upload.no_danmaku_title_suffix", "【无弹幕版】")
	v.SetDefault("upload.feed_attempts", defaultFeedAttempts)
	v.SetDefault("upload.feed_wait", defaultFeedWait)
	v.SetDefault("upload.session_lookback", defaultSessionLookback)

	// Bilibili defaults
	v.SetDefault("bilibili.cookie_file", "cookies.json")
	v.SetDefault("bilibili.api_base", "https://api.bilibili.com")
	v.SetDefault("bilibili.member_base", "https://member.bilibili.com")
	v.SetDefault("bilibili.user_agent", defaultBrowserUA)

	// Scheduler defaults
	v.SetDefault("scheduler.status_check_interval", defaultStatusCheckInterval)
	v.SetDefault("scheduler.pipeline_interval", defaultPipelineInterval)
	v.SetDefault("scheduler.cleanup_interval", defaultCleanupInterval)
	v.SetDefault("scheduler.stale_session_age", defaultStaleSessionAge)
	v.SetDefault("scheduler.post_offline_delay", defaultPostOfflineDelay)
	v.SetDefault("scheduler.process_after_stream_end", false)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.library_path", "")
	v.SetDefault("ffmpeg.va_driver_name", "")
	v.SetDefault("ffmpeg.va_drivers_path", "")
	v.SetDefault("ffmpeg.device_node", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	validDBLogLevels := map[string]bool{"silent": true, "error": true, "warn": true, "info": true}
	if !validDBLogLevels[c.Database.LogLevel] {
		return fmt.Errorf("database.log_level must be one of: silent, error, warn, info")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be at least 1")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns must not be negative")
	}

	// Storage validation
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Recording validation
	if c.Recording.SegmentDuration <= 0 {
		return fmt.Errorf("recording.segment_duration must be positive")
	}
	if c.Recording.Cooldown < 0 {
		return fmt.Errorf("recording.cooldown must not be negative")
	}
	if c.Recording.StartTimeAdjustment < 0 {
		return fmt.Errorf("recording.start_time_adjustment must not be negative")
	}

	// Douyu validation
	if c.Douyu.HeartbeatInterval <= 0 {
		return fmt.Errorf("douyu.heartbeat_interval must be positive")
	}
	if c.Douyu.ReconnectMax < 0 {
		return fmt.Errorf("douyu.reconnect_max must not be negative")
	}

	// Pipeline validation
	if c.Pipeline.MinFileSize < 0 {
		return fmt.Errorf("pipeline.min_file_size must not be negative")
	}
	if c.Pipeline.FontSize < 1 {
		return fmt.Errorf("pipeline.font_size must be at least 1")
	}

	// Upload validation
	if c.Upload.FeedAttempts < 1 {
		return fmt.Errorf("upload.feed_attempts must be at least 1")
	}
	if c.Upload.Enabled && c.Upload.MetaFile == "" {
		return fmt.Errorf("upload.meta_file is required when upload.enabled is true")
	}

	// Scheduler validation
	if c.Scheduler.StatusCheckInterval <= 0 {
		return fmt.Errorf("scheduler.status_check_interval must be positive")
	}
	if c.Scheduler.PipelineInterval <= 0 {
		return fmt.Errorf("scheduler.pipeline_interval must be positive")
	}

	// Streamer validation. An empty list is valid: monitoring idles and the
	// pipeline and upload tasks still run over existing files.
	seen := map[string]bool{}
	for i := range c.Streamers {
		s := &c.Streamers[i]
		if s.Name == "" {
			return fmt.Errorf("streamers[%d].name is required", i)
		}
		if s.RoomID == "" {
			return fmt.Errorf("streamers[%d].room_id is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("streamers[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProcessingPath returns the full path to the processing directory.
func (c *StorageConfig) ProcessingPath() string {
	return c.resolve(c.ProcessingDir)
}

// UploadPath returns the full path to the upload staging directory.
func (c *StorageConfig) UploadPath() string {
	return c.resolve(c.UploadDir)
}

func (c *StorageConfig) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.BaseDir, dir)
}

// Environ returns the extra environment variables ffmpeg/ffprobe children
// need for hardware encoding, in os/exec KEY=VALUE form.
func (c *FFmpegConfig) Environ() []string {
	var env []string
	if c.LibraryPath != "" {
		env = append(env, "LD_LIBRARY_PATH="+c.LibraryPath)
	}
	if c.VADriverName != "" {
		env = append(env, "LIBVA_DRIVER_NAME="+c.VADriverName)
	}
	if c.VADriversPath != "" {
		env = append(env, "LIBVA_DRIVERS_PATH="+c.VADriversPath)
	}
	return env
}
