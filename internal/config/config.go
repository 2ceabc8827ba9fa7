// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Device   DeviceConfig   `mapstructure:"device"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	DBName        string        `mapstructure:"dbname"`
	SSLMode       string        `mapstructure:"sslmode"`
	MaxOpenConns  int           `mapstructure:"max_open_conns"`
	MaxIdleConns  int           `mapstructure:"max_idle_conns"`
	MaxLifetime   time.Duration `mapstructure:"max_lifetime"`
	RunMigrations bool          `mapstructure:"run_migrations"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	Traffic    bool   `mapstructure:"traffic"`
}

// DeviceConfig represents instrument communication configuration
type DeviceConfig struct {
	PollInterval         time.Duration    `mapstructure:"poll_interval"`
	ReadSlice            time.Duration    `mapstructure:"read_slice"`
	ScanInterval         time.Duration    `mapstructure:"scan_interval"`
	SettleDelay          time.Duration    `mapstructure:"settle_delay"`
	SelectionTimeout     time.Duration    `mapstructure:"selection_timeout"`
	DefaultBaudRates     []int            `mapstructure:"default_baud_rates"`
	ProtocolSettingsFile string           `mapstructure:"protocol_settings_file"`
	Serial               SerialPortConfig `mapstructure:"serial"`
	USB                  USBPortConfig    `mapstructure:"usb"`
	RPC                  RPCConfig        `mapstructure:"rpc"`
	SCPI                 SCPIConfig       `mapstructure:"scpi"`
	Counter              CounterConfig    `mapstructure:"counter"`
}

// SerialPortConfig represents serial framing shared by every probe attempt
type SerialPortConfig struct {
	DataBits     int      `mapstructure:"data_bits"`
	StopBits     int      `mapstructure:"stop_bits"`
	Parity       string   `mapstructure:"parity"`
	PortPatterns []string `mapstructure:"port_patterns"`
}

// USBPortConfig represents USBTMC configuration
type USBPortConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BulkTransferSize int           `mapstructure:"bulk_transfer_size"`
}

// RPCConfig configures the binary RPC probe
type RPCConfig struct {
	ReplyTimeout    time.Duration `mapstructure:"reply_timeout"`
	ProbeFunctionID uint8         `mapstructure:"probe_function_id"`
	// MaxPayload is the largest frame payload accepted; longer frames are treated as noise
	MaxPayload int `mapstructure:"max_payload"`
}

// SCPIConfig configures the text query probe
type SCPIConfig struct {
	IdentityQuery string        `mapstructure:"identity_query"`
	EventMarker   string        `mapstructure:"event_marker"`
	ReplyTimeout  time.Duration `mapstructure:"reply_timeout"`
}

// CounterConfig configures the passive counter probe
type CounterConfig struct {
	ListenTimeout time.Duration `mapstructure:"listen_timeout"`
	RequiredLines int           `mapstructure:"required_lines"`
	LinePattern   string        `mapstructure:"line_pattern"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables.
// An empty path searches ./configs and the working directory for config.yaml;
// a missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variable support
	v.SetEnvPrefix("LAB_BENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "lab_bench")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.run_migrations", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.traffic", false)

	// Device defaults
	v.SetDefault("device.poll_interval", "100ms")
	v.SetDefault("device.read_slice", "10ms")
	v.SetDefault("device.scan_interval", "0s")
	v.SetDefault("device.settle_delay", "50ms")
	v.SetDefault("device.selection_timeout", "5m")
	v.SetDefault("device.default_baud_rates", []int{115200, 9600})
	v.SetDefault("device.protocol_settings_file", "./configs/device_protocols.yaml")

	v.SetDefault("device.serial.data_bits", 8)
	v.SetDefault("device.serial.stop_bits", 1)
	v.SetDefault("device.serial.parity", "none")
	v.SetDefault("device.serial.port_patterns", []string{})

	v.SetDefault("device.usb.enabled", false)
	v.SetDefault("device.usb.timeout", "2s")
	v.SetDefault("device.usb.bulk_transfer_size", 512)

	v.SetDefault("device.rpc.reply_timeout", "200ms")
	v.SetDefault("device.rpc.probe_function_id", 0)
	v.SetDefault("device.rpc.max_payload", 4096)

	v.SetDefault("device.scpi.identity_query", "*IDN?")
	v.SetDefault("device.scpi.event_marker", "!")
	v.SetDefault("device.scpi.reply_timeout", "300ms")

	v.SetDefault("device.counter.listen_timeout", "1500ms")
	v.SetDefault("device.counter.required_lines", 2)
	v.SetDefault("device.counter.line_pattern", `^\s*[-+]?[0-9]+(\.[0-9]+)?\s*$`)

	// App defaults
	v.SetDefault("app.name", "lab-bench")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required when the database is enabled")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !slices.Contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Device.ReadSlice <= 0 {
		return fmt.Errorf("device.read_slice must be positive")
	}
	if config.Device.PollInterval <= 0 {
		return fmt.Errorf("device.poll_interval must be positive")
	}
	if len(config.Device.DefaultBaudRates) == 0 {
		return fmt.Errorf("device.default_baud_rates must not be empty")
	}
	for _, baud := range config.Device.DefaultBaudRates {
		if baud <= 0 {
			return fmt.Errorf("invalid baud rate in device.default_baud_rates: %d", baud)
		}
	}
	if config.Device.RPC.MaxPayload < 1 || config.Device.RPC.MaxPayload > 0xFFFF {
		return fmt.Errorf("device.rpc.max_payload must be between 1 and 65535")
	}
	if config.Device.Counter.RequiredLines < 1 {
		return fmt.Errorf("device.counter.required_lines must be at least 1")
	}
	if config.Device.SCPI.IdentityQuery == "" {
		return fmt.Errorf("device.scpi.identity_query is required")
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
