package config

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for one worker channel.
type Config struct {
	Worker        WorkerConfig        `mapstructure:"worker"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// WorkerConfig describes the language worker this channel talks to and
// how to launch its process.
type WorkerConfig struct {
	Language   string   `mapstructure:"language"`
	Extensions []string `mapstructure:"extensions"`
	ScriptRoot string   `mapstructure:"script_root"`
	Command    string   `mapstructure:"command"`
	Args       []string `mapstructure:"args"`
	ID         string   `mapstructure:"id"`
}

// TransportConfig configures the bidirectional stream to the worker.
type TransportConfig struct {
	Addr           string        `mapstructure:"addr"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	InitTimeout    time.Duration `mapstructure:"init_timeout"`
	ReloadTimeout  time.Duration `mapstructure:"reload_timeout"`
}

// DispatchConfig configures the per-function bounded-parallelism dispatcher
// and the file-watch debounce window.
type DispatchConfig struct {
	Parallelism    int           `mapstructure:"parallelism"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
}

// ObservabilityConfig holds logging, metrics, and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	StatusAddr     string `mapstructure:"status_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.language", "custom")
	v.SetDefault("worker.extensions", []string{})
	v.SetDefault("worker.script_root", ".")
	v.SetDefault("worker.id", "worker-0")
	v.SetDefault("worker.args", []string{})

	v.SetDefault("transport.addr", "127.0.0.1:49150")
	v.SetDefault("transport.startup_timeout", 30*time.Second)
	v.SetDefault("transport.init_timeout", 30*time.Second)
	v.SetDefault("transport.reload_timeout", 30*time.Second)

	v.SetDefault("dispatch.parallelism", 6)
	v.SetDefault("dispatch.debounce_window", 300*time.Millisecond)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.status_addr", ":9091")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "hostchannel")
	v.SetDefault("observability.service_version", "dev")
}

// BindServeFlags binds cobra flags to viper for the serve command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("addr", "", "worker transport address (loopback host:port)")
	f.String("language", "", "worker language tag")
	f.StringSlice("extensions", nil, "file extensions that trigger a host restart")
	f.String("script-root", "", "root directory watched for file changes")
	f.String("worker-id", "", "identifier for this worker instance")
	f.String("worker-command", "", "executable used to launch the worker process")
	f.StringSlice("worker-args", nil, "arguments passed to the worker command")
	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.String("status-addr", "", "status HTTP listen address, polled by the monitor command")
	f.Int("parallelism", 0, "per-function dispatcher parallelism")

	_ = v.BindPFlag("transport.addr", f.Lookup("addr"))
	_ = v.BindPFlag("worker.language", f.Lookup("language"))
	_ = v.BindPFlag("worker.extensions", f.Lookup("extensions"))
	_ = v.BindPFlag("worker.script_root", f.Lookup("script-root"))
	_ = v.BindPFlag("worker.id", f.Lookup("worker-id"))
	_ = v.BindPFlag("worker.command", f.Lookup("worker-command"))
	_ = v.BindPFlag("worker.args", f.Lookup("worker-args"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("observability.status_addr", f.Lookup("status-addr"))
	_ = v.BindPFlag("dispatch.parallelism", f.Lookup("parallelism"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("HOSTCHANNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("hostchannel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hostchannel")
		v.AddConfigPath("/etc/hostchannel")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Dispatch.Parallelism <= 0 {
		cfg.Dispatch.Parallelism = 6
	}
	return cfg, nil
}
