package config

import (
	"encoding/json"
	"os"
	"path"

	"github.com/oceanweave/bwgov/pkg/backend"
	"github.com/oceanweave/bwgov/pkg/bpflimit"
	"github.com/oceanweave/bwgov/pkg/constant"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ProcessLimits 一个进程两个方向上保存的限速，没有的方向为 nil
type ProcessLimits struct {
	Upload   *backend.Limit `json:"upload,omitempty"`
	Download *backend.Limit `json:"download,omitempty"`
}

// Locality 本地网段，两项都为空时使用内置默认值
type Locality struct {
	V4 []string `json:"v4,omitempty"`
	V6 []string `json:"v6,omitempty"`
}

// Config 持久化的偏好
/*
	{
	  "preferred": {"upload": "ebpf", "download": "nftables"},
	  "limits": {"1234": {"upload": {"rate": 100000, "filter": "all"}}},
	  "locality": {"v4": ["10.0.0.0/8"], "v6": ["fc00::/7"]},
	  "interfaces": ["eth0"]
	}
*/
type Config struct {
	Preferred  map[string]string     `json:"preferred,omitempty"`
	Limits     map[int]ProcessLimits `json:"limits,omitempty"`
	Locality   *Locality             `json:"locality,omitempty"`
	Interfaces []string              `json:"interfaces,omitempty"`
}

func New() *Config {
	return &Config{
		Preferred: make(map[string]string),
		Limits:    make(map[int]ProcessLimits),
	}
}

// Load 文件不存在或者内容损坏都当作没有偏好，只打印警告
func Load(configPath string) *Config {
	cfg := New()
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("read config %s failed, using defaults: %v", configPath, err)
		}
		return cfg
	}
	if err = json.Unmarshal(data, cfg); err != nil {
		log.Warnf("config %s is malformed, using defaults: %v", configPath, err)
		return New()
	}
	if cfg.Preferred == nil {
		cfg.Preferred = make(map[string]string)
	}
	if cfg.Limits == nil {
		cfg.Limits = make(map[int]ProcessLimits)
	}
	log.Debugf("Load config from %s", configPath)
	return cfg
}

// Save 将配置写回文件，目录不存在时创建
func (c *Config) Save(configPath string) error {
	dir := path.Dir(configPath)
	if err := os.MkdirAll(dir, constant.Perm0755); err != nil {
		return errors.Wrapf(err, "create config dir %s failed", dir)
	}
	// 打开模式：存在内容则清空、只写入、不存在则创建
	f, err := os.OpenFile(configPath, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, constant.Perm0644)
	if err != nil {
		return errors.Wrapf(err, "open file %s failed", configPath)
	}
	defer f.Close()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config failed")
	}
	if _, err = f.Write(data); err != nil {
		return errors.Wrapf(err, "write %s failed", configPath)
	}
	log.Debugf("Dump config to File: %s", configPath)
	return nil
}

func (c *Config) PreferredFor(dir backend.Direction) string {
	return c.Preferred[dir.String()]
}

func (c *Config) SetPreferred(dir backend.Direction, name string) {
	c.Preferred[dir.String()] = name
}

// PreferredMap 转成 Manager 使用的形式
func (c *Config) PreferredMap() map[backend.Direction]string {
	res := make(map[backend.Direction]string)
	for _, dir := range backend.Directions {
		if name := c.PreferredFor(dir); name != "" {
			res[dir] = name
		}
	}
	return res
}

func (c *Config) Limit(pid int, dir backend.Direction) (backend.Limit, bool) {
	pl, ok := c.Limits[pid]
	if !ok {
		return backend.Limit{}, false
	}
	l := pl.Upload
	if dir == backend.Download {
		l = pl.Download
	}
	if l == nil {
		return backend.Limit{}, false
	}
	return *l, true
}

func (c *Config) SetLimit(pid int, dir backend.Direction, limit backend.Limit) {
	pl := c.Limits[pid]
	if dir == backend.Download {
		pl.Download = &limit
	} else {
		pl.Upload = &limit
	}
	c.Limits[pid] = pl
}

// ForgetProcess 删除已经退出的进程的记录
func (c *Config) ForgetProcess(pid int) {
	delete(c.Limits, pid)
}

// LocalityTable 解析本地网段，未配置时返回默认值
func (c *Config) LocalityTable() (*bpflimit.Locality, error) {
	if c.Locality == nil {
		return bpflimit.DefaultLocality(), nil
	}
	return bpflimit.ParseLocality(c.Locality.V4, c.Locality.V6)
}
