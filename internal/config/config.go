package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Hook     HookConfig     `mapstructure:"hook"`
	Data     DataConfig     `mapstructure:"data"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig 命令服务 (TCP socket) 配置
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	PortFile       string `mapstructure:"port_file"`
	RandomPortMin  int    `mapstructure:"random_port_min"` // 随机端口范围 [min, max)
	RandomPortMax  int    `mapstructure:"random_port_max"`
	RandomAttempts int    `mapstructure:"random_attempts"`
	AcceptTimeout  int    `mapstructure:"accept_timeout"` // seconds
}

// SessionConfig 交互式会话配置 (毫秒)
type SessionConfig struct {
	PingInterval      int `mapstructure:"ping_interval_ms"`
	LivenessTimeout   int `mapstructure:"liveness_timeout_ms"`
	InputTimeout      int `mapstructure:"input_timeout_ms"`
	PasswordTimeout   int `mapstructure:"password_timeout_ms"`
	FirstFrameTimeout int `mapstructure:"first_frame_timeout_ms"`
	CloseWait         int `mapstructure:"close_wait_ms"`
}

// HookConfig Hook 引擎配置
type HookConfig struct {
	ScriptsDir    string   `mapstructure:"scripts_dir"`
	Imports       []string `mapstructure:"imports"`        // 签名解析时的默认导入包, 按顺序搜索
	ScriptTimeout int      `mapstructure:"script_timeout"` // milliseconds, 0 表示不限制
	OutputLines   int      `mapstructure:"output_lines"`   // 每个 Hook 保留的输出行数
	WatchScripts  bool     `mapstructure:"watch_scripts"`
}

// DataConfig 数据目录配置
type DataConfig struct {
	Dir         string `mapstructure:"dir"`
	CacheTTL    int    `mapstructure:"cache_ttl_ms"`
	LogCooldown int    `mapstructure:"log_cooldown"` // seconds
	SampleEvery int    `mapstructure:"sample_every"` // seconds, 性能采样间隔
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Path     string `mapstructure:"path"` // sqlite 文件路径
	DSN      string `mapstructure:"dsn"`  // 非空时优先使用
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"` // 非空时优先使用
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Exchange string `mapstructure:"exchange"`
}

// HTTPConfig 管理 API 配置
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Mode    string `mapstructure:"mode"`  // debug, release
	Token   string `mapstructure:"token"` // 非空时 /api/v1 需要 Bearer 认证
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // 连接处理协程数量
	QueueSize   int `mapstructure:"queue_size"`  // 待处理连接队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   bool   `mapstructure:"file"`   // 是否同时写入数据目录下的 module_log.txt
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 11451)
	v.SetDefault("server.port_file", "./data/methods_port")
	v.SetDefault("server.random_port_min", 20000)
	v.SetDefault("server.random_port_max", 30000)
	v.SetDefault("server.random_attempts", 10)
	v.SetDefault("server.accept_timeout", 5)

	v.SetDefault("session.ping_interval_ms", 5000)
	v.SetDefault("session.liveness_timeout_ms", 30000)
	v.SetDefault("session.input_timeout_ms", 30000)
	v.SetDefault("session.password_timeout_ms", 60000)
	v.SetDefault("session.first_frame_timeout_ms", 30000)
	v.SetDefault("session.close_wait_ms", 5000)

	v.SetDefault("hook.scripts_dir", "./data/scripts")
	v.SetDefault("hook.imports", []string{"java.lang.*", "java.util.*"})
	v.SetDefault("hook.script_timeout", 3000)
	v.SetDefault("hook.output_lines", 200)
	v.SetDefault("hook.watch_scripts", true)

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.cache_ttl_ms", 5000)
	v.SetDefault("data.log_cooldown", 30)
	v.SetDefault("data.sample_every", 30)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/hooks.db")

	v.SetDefault("rabbitmq.exchange", "hookshell.events")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", "127.0.0.1:11452")
	v.SetDefault("http.mode", "release")

	v.SetDefault("metrics.namespace", "hookshell")

	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.queue_size", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 加载配置文件, path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()

	v.BindEnv("server.port", "HOOKSHELL_PORT")
	v.BindEnv("server.port_file", "HOOKSHELL_PORT_FILE")
	v.BindEnv("data.dir", "HOOKSHELL_DATA_DIR")
	v.BindEnv("hook.scripts_dir", "HOOKSHELL_SCRIPTS_DIR")
	v.BindEnv("log.level", "HOOKSHELL_LOG_LEVEL")

	// Database
	v.BindEnv("database.dsn", "DB_DSN")
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.password", "MYSQL_PASS")

	// RabbitMQ
	v.BindEnv("rabbitmq.url", "RABBITMQ_URL")

	v.BindEnv("http.token", "HOOKSHELL_API_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// PingIntervalDuration 心跳间隔
func (c SessionConfig) PingIntervalDuration() time.Duration { return millis(c.PingInterval) }

// LivenessTimeoutDuration 无响应超时
func (c SessionConfig) LivenessTimeoutDuration() time.Duration { return millis(c.LivenessTimeout) }

func (c SessionConfig) InputTimeoutDuration() time.Duration { return millis(c.InputTimeout) }

func (c SessionConfig) PasswordTimeoutDuration() time.Duration { return millis(c.PasswordTimeout) }

func (c SessionConfig) FirstFrameTimeoutDuration() time.Duration { return millis(c.FirstFrameTimeout) }

func (c SessionConfig) CloseWaitDuration() time.Duration { return millis(c.CloseWait) }

// CacheTTLDuration 文档读缓存有效期
func (c DataConfig) CacheTTLDuration() time.Duration { return millis(c.CacheTTL) }

func (c DataConfig) LogCooldownDuration() time.Duration {
	return time.Duration(c.LogCooldown) * time.Second
}

func (c DataConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleEvery) * time.Second
}

func (c HookConfig) ScriptTimeoutDuration() time.Duration { return millis(c.ScriptTimeout) }
