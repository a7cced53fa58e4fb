package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Escrow   EscrowConfig   `mapstructure:"escrow"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Lock     LockConfig     `mapstructure:"lock"`
	Task     TaskConfig     `mapstructure:"task"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// StoreConfig 账本存储，memory 仅用于开发
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, database
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres, mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

// EscrowConfig 部署时确定、运行期不可变的全局参数
type EscrowConfig struct {
	Owner             string        `mapstructure:"owner"`               // 发起人地址
	MinFundingWindow  time.Duration `mapstructure:"min_funding_window"`  // 最短募资窗口
	MinOrderingWindow time.Duration `mapstructure:"min_ordering_window"` // 最短下单窗口
}

// OwnerAddress 解析发起人地址
func (e EscrowConfig) OwnerAddress() common.Address {
	return common.HexToAddress(e.Owner)
}

// ChainConfig 链配置
type ChainConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RpcUrl         string        `mapstructure:"rpc_url"`         // RPC节点URL
	ChainId        int64         `mapstructure:"chain_id"`        // 链ID
	PrivateKey     string        `mapstructure:"private_key"`     // 托管账户私钥
	EscrowContract string        `mapstructure:"escrow_contract"` // 充值合约地址
	StartBlock     int64         `mapstructure:"start_block"`     // 首次扫描起始区块
	Confirmations  int64         `mapstructure:"confirmations"`   // 确认数
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int64         `mapstructure:"batch_size"`
}

// LockConfig 单个团购的互斥锁
type LockConfig struct {
	Driver string        `mapstructure:"driver"` // local, redis
	TTL    time.Duration `mapstructure:"ttl"`
	Redis  RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TaskConfig struct {
	Interval          int `mapstructure:"interval"`            // 秒
	PayoutBatch       int `mapstructure:"payout_batch"`        // 每轮最多发送的出款数
	PayoutMaxAttempts int `mapstructure:"payout_max_attempts"` // 出款最大重试次数
	Workers           int `mapstructure:"workers"`             // 协程池大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug, info, warn, error, fatal
	Output string `mapstructure:"output"` // 输出目标: stdout, stderr, file
	File   string `mapstructure:"file"`   // 日志文件路径（当output为file时使用）
}

// GetLevel 实现 logger.LogConfig 接口
func (l LogConfig) GetLevel() string {
	return l.Level
}

// GetOutput 实现 logger.LogConfig 接口
func (l LogConfig) GetOutput() string {
	return l.Output
}

// GetFile 实现 logger.LogConfig 接口
func (l LogConfig) GetFile() string {
	return l.File
}

// Load 读取配置文件与环境变量，path 为空时按默认目录查找 config.yaml
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/groupbuy")
	}

	setDefaults(v)

	// 自动读取环境变量，例如 GROUPBUY_ESCROW_OWNER
	v.SetEnvPrefix("groupbuy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("store.driver", "database")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "groupbuy")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "groupbuy.db")
	v.SetDefault("escrow.owner", "")
	v.SetDefault("escrow.min_funding_window", "24h")
	v.SetDefault("escrow.min_ordering_window", "24h")
	v.SetDefault("chain.enabled", false)
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.escrow_contract", "")
	v.SetDefault("chain.start_block", 0)
	v.SetDefault("chain.confirmations", 12)
	v.SetDefault("chain.poll_interval", "30s")
	v.SetDefault("chain.batch_size", 500)
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.redis.addr", "127.0.0.1:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("task.interval", 60)
	v.SetDefault("task.payout_batch", 100)
	v.SetDefault("task.payout_max_attempts", 5)
	v.SetDefault("task.workers", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/app.log")
}

// Validate 校验配置
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Escrow.Owner) {
		return fmt.Errorf("invalid escrow.owner address: %q", c.Escrow.Owner)
	}
	if c.Escrow.OwnerAddress() == (common.Address{}) {
		return errors.New("escrow.owner must not be the zero address")
	}
	if c.Escrow.MinFundingWindow <= 0 {
		return errors.New("escrow.min_funding_window must be positive")
	}
	if c.Escrow.MinOrderingWindow <= 0 {
		return errors.New("escrow.min_ordering_window must be positive")
	}

	switch c.Store.Driver {
	case "memory", "database":
	default:
		return fmt.Errorf("unsupported store.driver: %s", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("unsupported lock.driver: %s", c.Lock.Driver)
	}

	if c.Chain.Enabled {
		if c.Chain.RpcUrl == "" {
			return errors.New("chain.rpc_url is required when chain is enabled")
		}
		if c.Chain.PrivateKey == "" {
			return errors.New("chain.private_key is required when chain is enabled")
		}
	}
	if c.Task.Interval <= 0 {
		return errors.New("task.interval must be positive")
	}
	return nil
}
