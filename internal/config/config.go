package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/events"
	"github.com/JohnLonginotto/SeQC/internal/query"
	"github.com/JohnLonginotto/SeQC/internal/storage/mysql"
	"github.com/JohnLonginotto/SeQC/internal/storage/sqlite"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

// EnvPath 是指定配置文件路径的环境变量。
const EnvPath = "SEQC_CONFIG"

// Config 描述了 SeQC 在启动阶段需要加载的全部配置。
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Plugins  plugin.Config  `yaml:"plugins"`
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Events   EventsConfig   `yaml:"events"`
	Log      logger.Config  `yaml:"log"`
}

// DatabaseConfig 选择结果存储后端。
type DatabaseConfig struct {
	Driver string        `yaml:"driver" validate:"oneof=sqlite mysql"`
	SQLite sqlite.Config `yaml:"sqlite"`
	MySQL  mysql.Config  `yaml:"mysql"`
}

// AnalysisConfig 控制一次分析批次。
type AnalysisConfig struct {
	Workers      int           `yaml:"workers" validate:"min=1,max=256"`
	StallTimeout time.Duration `yaml:"stall_timeout" validate:"min=0"`
	Heartbeat    time.Duration `yaml:"heartbeat" validate:"min=0"`
	Reader       string        `yaml:"reader" validate:"oneof=auto text native"`
	Writeover    bool          `yaml:"writeover"`
	// Groups 是默认的分析分组，每组内的统计项链接在一起。
	Groups [][]string `yaml:"groups" validate:"dive,min=1,dive,required"`
	// InProcess 为 true 时在本进程内运行工作者，否则为每个文件启动子进程。
	InProcess   bool   `yaml:"in_process"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ServerConfig 控制查询服务。Addr 为空时由 settings 表决定监听地址。
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// CacheConfig 控制查询结果缓存。
type CacheConfig struct {
	Driver     string            `yaml:"driver" validate:"oneof=memory redis"`
	TTL        time.Duration     `yaml:"ttl" validate:"min=0"`
	MaxEntries int               `yaml:"max_entries" validate:"min=0"`
	Redis      query.RedisConfig `yaml:"redis"`
}

// EventsConfig 控制文件完成事件的发布。
type EventsConfig struct {
	AMQP events.AMQPConfig `yaml:"amqp"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default 返回没有配置文件时使用的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Resolve 依次使用 explicit 与 SEQC_CONFIG 指定的路径，都为空时返回默认配置。
func Resolve(explicit string) (*Config, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvPath))
	}
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，相对路径以配置文件所在目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = filepath.Join(baseDir, "seqc.db")
	} else {
		c.Database.SQLite.Path = resolvePath(baseDir, c.Database.SQLite.Path)
	}

	if c.Analysis.Workers == 0 {
		c.Analysis.Workers = 4
	}
	if c.Analysis.StallTimeout == 0 {
		c.Analysis.StallTimeout = 2 * time.Minute
	}
	if c.Analysis.Heartbeat == 0 {
		c.Analysis.Heartbeat = 5 * time.Second
	}
	if c.Analysis.Reader == "" {
		c.Analysis.Reader = "auto"
	}

	if c.Plugins.Dir != "" {
		c.Plugins.Dir = resolvePath(baseDir, c.Plugins.Dir)
	}
	if c.Server.StaticDir != "" {
		c.Server.StaticDir = resolvePath(baseDir, c.Server.StaticDir)
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 10 * time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.Log.OutputPaths) == 0 {
		c.Log.OutputPaths = []string{"stderr"}
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	} else if c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolvePath(baseDir, c.Log.Audit.Path)
	}
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查字段取值以及字段之间的约束。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s 不满足 %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return xerrors.New(xerrors.CodeConfiguration, "配置无效: "+strings.Join(msgs, "; "))
		}
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "配置无效")
	}
	if c.Database.Driver == "mysql" && c.Database.MySQL.DSN == "" {
		return xerrors.New(xerrors.CodeConfiguration, "mysql 后端需要 database.mysql.dsn")
	}
	if c.Cache.Driver == "redis" && c.Cache.Redis.Address == "" {
		return xerrors.New(xerrors.CodeConfiguration, "redis 缓存需要 cache.redis.address")
	}
	if err := c.Plugins.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "插件配置无效")
	}
	return nil
}
