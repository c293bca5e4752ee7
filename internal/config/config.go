package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Camera   CameraConfig   `mapstructure:"camera"`
	Database DatabaseConfig `mapstructure:"database"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MonitorConfig 监控引擎配置
type MonitorConfig struct {
	ID string `mapstructure:"id"`
	// BatchSize 单个批次包含的设备数
	BatchSize int `mapstructure:"batch_size"`
	// Workers 并行批次工作器数量上限
	Workers int `mapstructure:"workers"`
	// Concurrent 单个工作器内同时在途的设备探测数上限
	Concurrent int `mapstructure:"concurrent"`
	// Interval 连续模式下两次巡检周期之间的间隔
	Interval time.Duration `mapstructure:"interval"`
	// Continuous 服务启动后是否自动进入连续巡检模式
	Continuous bool `mapstructure:"continuous"`
	// CheckType 周期默认检查类型：ping_only | full_check
	CheckType string `mapstructure:"check_type"`
	// StatusPolicy 状态判定策略：strict | lenient
	StatusPolicy string `mapstructure:"status_policy"`
	// Timezone 设备时间归一化使用的时区
	Timezone string `mapstructure:"timezone"`
}

// ProbeConfig 可达性探测配置
type ProbeConfig struct {
	// Timeout 单次HTTP探测的总预算，含DNS与TLS握手
	Timeout time.Duration `mapstructure:"timeout"`
	// ConnectTimeout TCP连接阶段超时
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// PingEnable 是否启用ICMP探测，容器环境无权限时可关闭
	PingEnable bool `mapstructure:"ping_enable"`
	// PingTimeout ICMP探测超时
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// CameraConfig 摄像头通道探测配置
type CameraConfig struct {
	// MaxChannelsDefault 厂商通道数查询失败时的默认探测上限
	MaxChannelsDefault int `mapstructure:"max_channels_default"`
	// MinImageBytes 快照判定为有效画面的最小字节数
	MinImageBytes int `mapstructure:"min_image_bytes"`
	// SnapshotTimeout 单通道快照请求超时
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ArchiveConfig 巡检报告归档配置
type ArchiveConfig struct {
	// Enabled 是否在每个周期结束后归档巡检报告
	Enabled bool `mapstructure:"enabled"`
	// StorageBackend 归档后端：local | minio
	StorageBackend string `mapstructure:"storage_backend"`
	// Prefix 顶层保存目录前缀
	Prefix string           `mapstructure:"prefix"`
	Local  LocalStoreConfig `mapstructure:"local"`
	Minio  MinioConfig      `mapstructure:"minio"`
}

// LocalStoreConfig 本地归档配置
type LocalStoreConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	// 设置默认值
	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		viper.SetConfigName("config")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("../configs")
		viper.AddConfigPath("../../configs")
	}

	// 设置环境变量前缀
	viper.SetEnvPrefix("DVR_MONITOR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件：未显式指定路径时允许仅用默认值运行
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if configPath != "" {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 环境变量替换
	config = replaceEnvVars(config)

	// 并发与批次参数兜底，避免0值导致空转或无界并发
	if config.Monitor.BatchSize <= 0 {
		config.Monitor.BatchSize = 50
	}
	if config.Monitor.Workers <= 0 {
		config.Monitor.Workers = 4
	}
	if config.Monitor.Concurrent <= 0 {
		config.Monitor.Concurrent = 20
	}

	globalConfig = &config
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8086)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// 监控引擎默认：50台一批，4个并行批次，批内20路并发
	viper.SetDefault("monitor.batch_size", 50)
	viper.SetDefault("monitor.workers", 4)
	viper.SetDefault("monitor.concurrent", 20)
	viper.SetDefault("monitor.interval", 5*time.Minute)
	viper.SetDefault("monitor.continuous", false)
	viper.SetDefault("monitor.check_type", "full_check")
	// 默认严格判定；lenient兼容旧系统"任意非零HTTP码即在线"
	viper.SetDefault("monitor.status_policy", "strict")
	viper.SetDefault("monitor.timezone", "Asia/Kolkata")

	// 探测超时保持个位数秒：慢设备不能拖垮整批
	viper.SetDefault("probe.timeout", 5*time.Second)
	viper.SetDefault("probe.connect_timeout", 3*time.Second)
	viper.SetDefault("probe.ping_enable", true)
	viper.SetDefault("probe.ping_timeout", 2*time.Second)

	viper.SetDefault("camera.max_channels_default", 5)
	viper.SetDefault("camera.min_image_bytes", 1000)
	viper.SetDefault("camera.snapshot_timeout", 5*time.Second)

	viper.SetDefault("database.sqlite.path", "./data/dvrmonitor.db")
	viper.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	// 归档默认关闭，开启后默认写本地
	viper.SetDefault("archive.enabled", false)
	viper.SetDefault("archive.storage_backend", "local")
	viper.SetDefault("archive.prefix", "cycles")
	viper.SetDefault("archive.local.base_dir", "./data/archive")
	viper.SetDefault("archive.local.mkdir_if_missing", true)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "console")
	viper.SetDefault("log.file_path", "./logs/dvr-monitor.log")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 5)
	viper.SetDefault("log.max_age", 30)
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// replaceEnvVars 替换配置中的环境变量占位符
func replaceEnvVars(config Config) Config {
	expand := func(v string) string {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			envVar := strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")
			if value := os.Getenv(envVar); value != "" {
				return value
			}
		}
		return v
	}
	config.Monitor.ID = expand(config.Monitor.ID)
	config.Archive.Minio.AccessKey = expand(config.Archive.Minio.AccessKey)
	config.Archive.Minio.SecretKey = expand(config.Archive.Minio.SecretKey)
	return config
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Location 解析配置时区，失败时回退UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Monitor.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
