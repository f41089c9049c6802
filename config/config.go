package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jabberwocky238/p2perf/perf"
	"github.com/jabberwocky238/p2perf/transport/mux"
)

// Interface 本地节点配置
type Interface struct {
	PrivateKey string `toml:"PrivateKey"`
	ListenPort int    `toml:"ListenPort"`
	Address    string `toml:"Address"`
}

// Perf 压测参数
type Perf struct {
	Mode      string   `toml:"Mode"`
	Duration  Duration `toml:"Duration"`
	Bytes     uint64   `toml:"Bytes"`
	ChunkSize int      `toml:"ChunkSize"`
	Initiate  string   `toml:"Initiate"`
}

// Mux 多路复用参数
type Mux struct {
	KeepAliveInterval Duration `toml:"KeepAliveInterval"`
	WriteTimeout      Duration `toml:"WriteTimeout"`
	MaxStreamWindow   uint32   `toml:"MaxStreamWindow"`
}

// Transport 一层传输协议，Cfg 中的 Underlying 指向下层
type Transport struct {
	ID   string                 `toml:"ID"`
	Type string                 `toml:"Type"`
	Main bool                   `toml:"Main"`
	Cfg  map[string]interface{} `toml:"Cfg"`
}

// Config 主配置结构体
type Config struct {
	Interface Interface   `toml:"Interface"`
	Perf      Perf        `toml:"Perf"`
	Mux       Mux         `toml:"Mux"`
	Transport []Transport `toml:"Transport"`
}

// Duration decodes TOML strings such as "10s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration for a plain TCP node running
// ten second duration benchmarks.
func Defaults() *Config {
	m := mux.DefaultConfig()
	return &Config{
		Interface: Interface{Address: "0.0.0.0"},
		Perf: Perf{
			Mode:      "duration",
			Duration:  Duration{perf.DefaultDuration},
			ChunkSize: perf.DefaultChunkSize,
			Initiate:  "outbound",
		},
		Mux: Mux{
			KeepAliveInterval: Duration{m.KeepAliveInterval},
			WriteTimeout:      Duration{m.WriteTimeout},
			MaxStreamWindow:   m.MaxStreamWindow,
		},
		Transport: []Transport{{ID: "tcp0", Type: "tcp", Main: true}},
	}
}

func ParseConfig(path string) (*Config, error) {
	cfg := Defaults()
	cfg.Transport = nil
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return finish(cfg)
}

func ParseConfigFromString(s string) (*Config, error) {
	cfg := Defaults()
	cfg.Transport = nil
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, err
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if len(cfg.Transport) == 0 {
		cfg.Transport = Defaults().Transport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Interface.ListenPort < 0 || c.Interface.ListenPort > 65535 {
		return fmt.Errorf("invalid ListenPort %d", c.Interface.ListenPort)
	}
	if _, err := c.Perf.Target(); err != nil {
		return err
	}
	if _, err := perf.ParseInitiatePolicy(c.Perf.Initiate); err != nil {
		return err
	}

	ids := make(map[string]bool)
	mains := 0
	for _, t := range c.Transport {
		if t.ID == "" {
			return errors.New("transport without ID")
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate transport ID %q", t.ID)
		}
		ids[t.ID] = true
		switch t.Type {
		case "tcp", "tls":
		default:
			return fmt.Errorf("transport %s: unknown type %q", t.ID, t.Type)
		}
		if t.Main {
			mains++
		}
	}
	if mains != 1 {
		return fmt.Errorf("exactly one main transport required, found %d", mains)
	}
	return nil
}

// Target converts the [Perf] section into a benchmark target.
func (p *Perf) Target() (perf.Target, error) {
	mode, err := perf.ParseMode(p.Mode)
	if err != nil {
		return perf.Target{}, err
	}
	t := perf.Target{
		Mode:      mode,
		Duration:  p.Duration.Duration,
		Bytes:     p.Bytes,
		ChunkSize: p.ChunkSize,
	}
	if t.ChunkSize == 0 {
		t.ChunkSize = perf.DefaultChunkSize
	}
	if t.Mode == perf.ModeDuration && t.Duration == 0 {
		t.Duration = perf.DefaultDuration
	}
	if err := t.Validate(); err != nil {
		return perf.Target{}, err
	}
	return t, nil
}

// MuxConfig converts the [Mux] section.
func (m *Mux) MuxConfig() mux.Config {
	cfg := mux.DefaultConfig()
	if m.KeepAliveInterval.Duration > 0 {
		cfg.KeepAliveInterval = m.KeepAliveInterval.Duration
	}
	if m.WriteTimeout.Duration > 0 {
		cfg.WriteTimeout = m.WriteTimeout.Duration
	}
	if m.MaxStreamWindow > 0 {
		cfg.MaxStreamWindow = m.MaxStreamWindow
	}
	return cfg
}

func readPem(inline interface{}, file interface{}) ([]byte, error) {
	if s, ok := inline.(string); ok && s != "" {
		return []byte(s), nil
	}
	if path, ok := file.(string); ok && path != "" {
		return os.ReadFile(path)
	}
	return nil, nil
}
