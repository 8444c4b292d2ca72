package redis

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	masstree "masstree-go"
	"masstree-go/index"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config 服务配置，可以从 YAML 文件加载
type Config struct {
	Addr            string        `yaml:"addr"`             // 监听地址
	Index           string        `yaml:"index"`            // 索引类型 masstree/btree/art
	MaxNodes        int           `yaml:"max_nodes"`        // masstree 节点上限，0 表示不限制
	SlabNodes       int           `yaml:"slab_nodes"`       // masstree 每个 slab 的节点数量
	ReclaimInterval time.Duration `yaml:"reclaim_interval"` // 回收被摘除节点的间隔
	LogLevel        string        `yaml:"log_level"`        // debug/info/warn/error
}

func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:6380",
		Index:           "masstree",
		MaxNodes:        0,
		SlabNodes:       masstree.DefaultOptions.SlabNodes,
		ReclaimInterval: 10 * time.Millisecond,
		LogLevel:        "info",
	}
}

// LoadConfig 读取 YAML 配置，文件中没有出现的字段使用默认值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Mark(errors.Wrapf(err, "parse config %s", path), ErrInvalidConfig)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.Wrap(ErrInvalidConfig, "addr is empty")
	}
	if _, err := c.IndexType(); err != nil {
		return err
	}
	if c.ReclaimInterval <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "reclaim interval %s", c.ReclaimInterval)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c Config) IndexType() (index.IndexType, error) {
	switch c.Index {
	case "", "masstree":
		return index.MassTreeIndex, nil
	case "btree":
		return index.BTreeIndex, nil
	case "art":
		return index.ARTIndex, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown index %q", c.Index)
}

func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, errors.Mark(errors.Wrapf(err, "log level %q", c.LogLevel), ErrInvalidConfig)
	}
	return lvl, nil
}

// TreeOptions masstree 的配置项
func (c Config) TreeOptions() masstree.Options {
	opts := masstree.DefaultOptions
	opts.MaxNodes = c.MaxNodes
	opts.SlabNodes = c.SlabNodes
	return opts
}
