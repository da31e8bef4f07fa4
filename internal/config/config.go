// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"firestige.xyz/satcat5/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `satcat5:` root key in YAML.
type GlobalConfig struct {
	Node      NodeConfig      `mapstructure:"node" yaml:"node"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Switch    SwitchConfig    `mapstructure:"switch" yaml:"switch"`
	Ports     []PortConfig    `mapstructure:"ports" yaml:"ports"`
	IP        IPConfig        `mapstructure:"ip" yaml:"ip"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	PTP       PTPConfig       `mapstructure:"ptp" yaml:"ptp"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Control   ControlConfig   `mapstructure:"control" yaml:"control"`
}

// ─── Node Identity ───

// NodeConfig identifies this switch.
type NodeConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	MAC     string `mapstructure:"mac" yaml:"mac"` // local stack MAC address
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level" yaml:"level"`   // trace / debug / info / warn / error
	Format     string           `mapstructure:"format" yaml:"format"` // text / json / pattern
	Pattern    string           `mapstructure:"pattern" yaml:"pattern,omitempty"`
	TimeFormat string           `mapstructure:"time_format" yaml:"time_format,omitempty"`
	Outputs    LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig lists optional outputs in addition to stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Switch ───

// SwitchConfig sizes the shared packet pool and selects plugins.
type SwitchConfig struct {
	PoolBytes  int             `mapstructure:"pool_bytes" yaml:"pool_bytes"`
	ChunkBytes int             `mapstructure:"chunk_bytes" yaml:"chunk_bytes"`
	MaxPackets int             `mapstructure:"max_packets" yaml:"max_packets"`
	QueueDepth int             `mapstructure:"queue_depth" yaml:"queue_depth"` // per-port egress queue
	Plugins    []PluginConfig  `mapstructure:"plugins" yaml:"plugins"`
	Log        SwitchLogConfig `mapstructure:"log" yaml:"log"`
}

// PluginConfig names a switch plugin and its options. Options are decoded
// by the plugin factory.
type PluginConfig struct {
	Name    string                 `mapstructure:"name" yaml:"name"`
	Options map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
}

// SwitchLogConfig enables the binary switch log.
type SwitchLogConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Port     string `mapstructure:"port" yaml:"port"` // name of a serial port that carries log records
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
}

// ─── Ports ───

// PortConfig describes one switch port.
type PortConfig struct {
	Name     string     `mapstructure:"name" yaml:"name"`
	Type     string      `mapstructure:"type" yaml:"type"` // udp | serial | afpacket | pcap | local
	Listen   string      `mapstructure:"listen" yaml:"listen,omitempty"`
	Remote   string      `mapstructure:"remote" yaml:"remote,omitempty"`
	Device   string      `mapstructure:"device" yaml:"device,omitempty"` // tty, interface or input pcap
	Baud     int         `mapstructure:"baud" yaml:"baud,omitempty"`
	BufferMB int         `mapstructure:"buffer_mb" yaml:"buffer_mb,omitempty"`
	Filter   [][4]uint32 `mapstructure:"filter" yaml:"filter,omitempty"` // classic BPF, {op, jt, jf, k}
	Vlan     VlanConfig  `mapstructure:"vlan" yaml:"vlan"`
	Capture  string      `mapstructure:"capture" yaml:"capture,omitempty"` // pcap file for egress traffic
}

// VlanConfig is the per-port VLAN policy.
type VlanConfig struct {
	AdmitTagged   bool  `mapstructure:"admit_tagged" yaml:"admit_tagged"`
	AdmitUntagged bool  `mapstructure:"admit_untagged" yaml:"admit_untagged"`
	TagEgress     bool  `mapstructure:"tag_egress" yaml:"tag_egress"`
	DefaultVid    int   `mapstructure:"default_vid" yaml:"default_vid"`
	DefaultPcp    int   `mapstructure:"default_pcp" yaml:"default_pcp"`
	Allowed       []int `mapstructure:"allowed" yaml:"allowed,omitempty"`
}

// ─── Local IP stack ───

// IPConfig configures the local IPv4 stack attached to the switch.
type IPConfig struct {
	Address string        `mapstructure:"address" yaml:"address"`
	Prefix  int           `mapstructure:"prefix" yaml:"prefix"`
	Gateway string        `mapstructure:"gateway" yaml:"gateway,omitempty"`
	Routes  []RouteConfig `mapstructure:"routes" yaml:"routes,omitempty"`
	Arp     ArpConfig     `mapstructure:"arp" yaml:"arp"`
	Echo    bool          `mapstructure:"echo" yaml:"echo"` // UDP echo on port 7
}

// RouteConfig is one static route.
type RouteConfig struct {
	Subnet  string `mapstructure:"subnet" yaml:"subnet"` // CIDR
	Gateway string `mapstructure:"gateway" yaml:"gateway,omitempty"`
	MAC     string `mapstructure:"mac" yaml:"mac,omitempty"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Metric  int    `mapstructure:"metric" yaml:"metric"`
}

// ArpConfig controls ARP cache size and retries.
type ArpConfig struct {
	CacheSize int           `mapstructure:"cache_size" yaml:"cache_size"`
	Retries   int           `mapstructure:"retries" yaml:"retries"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	Factor    float64       `mapstructure:"factor" yaml:"factor"` // 1 = fixed interval
}

// ─── Router ───

// RouterConfig turns the switch into an IPv4 router.
type RouterConfig struct {
	Enabled bool        `mapstructure:"enabled" yaml:"enabled"`
	Address string      `mapstructure:"address" yaml:"address"`
	MAC     string      `mapstructure:"mac" yaml:"mac"`
	Table   TableConfig `mapstructure:"table" yaml:"table"`
	Nat     []NatConfig `mapstructure:"nat" yaml:"nat,omitempty"`
}

// TableConfig optionally mirrors routes into a memory-mapped CIDR table.
type TableConfig struct {
	Size    int    `mapstructure:"size" yaml:"size"`
	Device  string `mapstructure:"device" yaml:"device,omitempty"` // file to mmap
	DevAddr int    `mapstructure:"dev_addr" yaml:"dev_addr"`
	RegAddr int    `mapstructure:"reg_addr" yaml:"reg_addr"`
}

// NatConfig maps an internal subnet one-to-one onto an external one.
type NatConfig struct {
	Port     string `mapstructure:"port" yaml:"port"`
	External string `mapstructure:"external" yaml:"external"`
	Internal string `mapstructure:"internal" yaml:"internal"`
}

// ─── PTP ───

// PTPConfig configures the PTP client and servo.
type PTPConfig struct {
	Enabled          bool        `mapstructure:"enabled" yaml:"enabled"`
	Mode             string      `mapstructure:"mode" yaml:"mode"`           // auto | master | slave | passive
	Transport        string      `mapstructure:"transport" yaml:"transport"` // l2 | l3
	Domain           int         `mapstructure:"domain" yaml:"domain"`
	Priority1        int         `mapstructure:"priority1" yaml:"priority1"`
	Priority2        int         `mapstructure:"priority2" yaml:"priority2"`
	ClockClass       int         `mapstructure:"clock_class" yaml:"clock_class"`
	SyncInterval     int         `mapstructure:"sync_interval" yaml:"sync_interval"`         // log2 seconds
	AnnounceInterval int         `mapstructure:"announce_interval" yaml:"announce_interval"` // log2 seconds
	AnnounceTimeout  int         `mapstructure:"announce_timeout" yaml:"announce_timeout"`   // intervals
	Doppler          bool        `mapstructure:"doppler" yaml:"doppler"`
	Servo            ServoConfig `mapstructure:"servo" yaml:"servo"`
}

// ServoConfig tunes the tracking controller.
type ServoConfig struct {
	TimeConstant float64  `mapstructure:"time_constant" yaml:"time_constant"` // seconds
	Filters      []string `mapstructure:"filters" yaml:"filters,omitempty"`   // reject[:k] | boxcar[:n] | median[:n] | predict[:n]
	StepNsec     int64    `mapstructure:"step_nsec" yaml:"step_nsec"`         // coarse step threshold
}

// ─── Telemetry ───

// TelemetryConfig sends CBOR telemetry over UDP.
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Destination string        `mapstructure:"destination" yaml:"destination"` // ip:port
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `satcat5: ...`.
type configRoot struct {
	SatCat5 GlobalConfig `mapstructure:"satcat5"`
}

// ─── Control ───

// ControlConfig configures the command channels of a running daemon.
type ControlConfig struct {
	Socket     string             `mapstructure:"socket" yaml:"socket"` // empty disables the local socket
	CommandTTL string             `mapstructure:"command_ttl" yaml:"command_ttl"`
	Kafka      ControlKafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// ControlKafkaConfig configures the remote command topic.
type ControlKafkaConfig struct {
	Enabled         bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers         []string `mapstructure:"brokers" yaml:"brokers,omitempty"`
	Topic           string   `mapstructure:"topic" yaml:"topic,omitempty"`
	GroupID         string   `mapstructure:"group_id" yaml:"group_id,omitempty"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset" yaml:"auto_offset_reset,omitempty"` // earliest | latest
}

// Load loads configuration from file.
// The YAML file uses `satcat5:` as root key; env vars use the SATCAT5_ prefix
// (e.g., SATCAT5_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	// Key "satcat5.log.level" maps to env "SATCAT5_LOG_LEVEL".
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*GlobalConfig, error) {
	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.SatCat5
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "satcat5." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("satcat5.node.name", "satcat5")
	v.SetDefault("satcat5.node.pid_file", "/var/run/satcat5.pid")

	// Log defaults
	v.SetDefault("satcat5.log.level", "info")
	v.SetDefault("satcat5.log.format", "text")
	v.SetDefault("satcat5.log.outputs.file.enabled", false)
	v.SetDefault("satcat5.log.outputs.file.path", "/var/log/satcat5/satcat5.log")
	v.SetDefault("satcat5.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("satcat5.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("satcat5.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("satcat5.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("satcat5.metrics.enabled", false)
	v.SetDefault("satcat5.metrics.listen", ":9095")
	v.SetDefault("satcat5.metrics.path", "/metrics")

	// Switch defaults
	v.SetDefault("satcat5.switch.pool_bytes", 65536)
	v.SetDefault("satcat5.switch.chunk_bytes", 64)
	v.SetDefault("satcat5.switch.max_packets", 256)
	v.SetDefault("satcat5.switch.queue_depth", 32)
	v.SetDefault("satcat5.switch.log.capacity", 4096)

	// IP defaults
	v.SetDefault("satcat5.ip.prefix", 24)
	v.SetDefault("satcat5.ip.arp.cache_size", 32)
	v.SetDefault("satcat5.ip.arp.retries", 3)
	v.SetDefault("satcat5.ip.arp.interval", "1s")
	v.SetDefault("satcat5.ip.arp.factor", 1.0)

	// Router defaults
	v.SetDefault("satcat5.router.table.size", 32)

	// PTP defaults
	v.SetDefault("satcat5.ptp.mode", "auto")
	v.SetDefault("satcat5.ptp.transport", "l2")
	v.SetDefault("satcat5.ptp.priority1", 128)
	v.SetDefault("satcat5.ptp.priority2", 128)
	v.SetDefault("satcat5.ptp.clock_class", 248)
	v.SetDefault("satcat5.ptp.sync_interval", 0)
	v.SetDefault("satcat5.ptp.announce_interval", 1)
	v.SetDefault("satcat5.ptp.announce_timeout", 3)
	v.SetDefault("satcat5.ptp.servo.time_constant", 10.0)
	v.SetDefault("satcat5.ptp.servo.step_nsec", 1000000)

	// Telemetry defaults
	v.SetDefault("satcat5.telemetry.interval", "1s")

	// Control defaults
	v.SetDefault("satcat5.control.socket", "/var/run/satcat5.sock")
	v.SetDefault("satcat5.control.command_ttl", "5m")
	v.SetDefault("satcat5.control.kafka.auto_offset_reset", "latest")
}

var (
	validLevels     = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validFormats    = map[string]bool{"text": true, "json": true, "pattern": true}
	validPortTypes  = map[string]bool{"udp": true, "serial": true, "afpacket": true, "pcap": true, "local": true}
	validPtpModes   = map[string]bool{"auto": true, "master": true, "slave": true, "passive": true}
	validTransports = map[string]bool{"l2": true, "l3": true}
)

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults. Every problem is reported, not just the first.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	// ── Log ──
	if !validLevels[cfg.Log.Level] {
		add("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if !validFormats[cfg.Log.Format] {
		add("invalid log format: %s (must be text/json/pattern)", cfg.Log.Format)
	}

	// ── Node ──
	if cfg.Node.MAC != "" {
		if _, err := net.ParseMAC(cfg.Node.MAC); err != nil {
			add("invalid node.mac: %s", cfg.Node.MAC)
		}
	}

	// ── Switch ──
	if cfg.Switch.ChunkBytes <= 0 || cfg.Switch.PoolBytes < cfg.Switch.ChunkBytes {
		add("switch.pool_bytes (%d) must hold at least one chunk of %d bytes", cfg.Switch.PoolBytes, cfg.Switch.ChunkBytes)
	}
	if cfg.Switch.MaxPackets <= 0 {
		add("switch.max_packets must be positive")
	}
	if len(cfg.Ports) > 32 {
		add("at most 32 ports are supported, got %d", len(cfg.Ports))
	}

	// ── Ports ──
	names := make(map[string]bool)
	for i := range cfg.Ports {
		p := &cfg.Ports[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("port%d", i)
		}
		if names[p.Name] {
			add("duplicate port name: %s", p.Name)
		}
		names[p.Name] = true
		if !validPortTypes[p.Type] {
			add("port %s: unsupported type %q (must be udp/serial/afpacket/pcap/local)", p.Name, p.Type)
		}
		if (p.Type == "serial" || p.Type == "afpacket" || p.Type == "pcap") && p.Device == "" {
			add("port %s: %s port requires device", p.Name, p.Type)
		}
		if p.Type == "udp" && (p.Listen == "" || p.Remote == "") {
			add("port %s: udp port requires listen and remote", p.Name)
		}
		if p.Type == "serial" && p.Baud == 0 {
			p.Baud = 921600
		}
		if !p.Vlan.AdmitTagged && !p.Vlan.AdmitUntagged {
			p.Vlan.AdmitUntagged = true
		}
		if p.Vlan.DefaultVid < 0 || p.Vlan.DefaultVid > 4094 {
			add("port %s: vlan.default_vid %d out of range", p.Name, p.Vlan.DefaultVid)
		}
		if p.Vlan.DefaultPcp < 0 || p.Vlan.DefaultPcp > 7 {
			add("port %s: vlan.default_pcp %d out of range", p.Name, p.Vlan.DefaultPcp)
		}
	}

	// ── IP ──
	if cfg.IP.Address != "" && net.ParseIP(cfg.IP.Address).To4() == nil {
		add("invalid ip.address: %s", cfg.IP.Address)
	}
	if cfg.IP.Prefix < 0 || cfg.IP.Prefix > 32 {
		add("ip.prefix %d out of range", cfg.IP.Prefix)
	}
	if cfg.IP.Gateway != "" && net.ParseIP(cfg.IP.Gateway).To4() == nil {
		add("invalid ip.gateway: %s", cfg.IP.Gateway)
	}
	for _, r := range cfg.IP.Routes {
		if _, _, err := net.ParseCIDR(r.Subnet); err != nil {
			add("invalid route subnet: %s", r.Subnet)
		}
	}
	if cfg.IP.Arp.Retries <= 0 {
		cfg.IP.Arp.Retries = 3
	}
	if cfg.IP.Arp.Factor < 1 {
		cfg.IP.Arp.Factor = 1
	}

	// ── Router ──
	if cfg.Router.Enabled {
		if net.ParseIP(cfg.Router.Address).To4() == nil {
			add("invalid router.address: %s", cfg.Router.Address)
		}
		if _, err := net.ParseMAC(cfg.Router.MAC); err != nil {
			add("invalid router.mac: %s", cfg.Router.MAC)
		}
		for _, n := range cfg.Router.Nat {
			_, ext, err1 := net.ParseCIDR(n.External)
			_, inn, err2 := net.ParseCIDR(n.Internal)
			if err1 != nil || err2 != nil {
				add("nat on %s: invalid subnet", n.Port)
				continue
			}
			eo, _ := ext.Mask.Size()
			io, _ := inn.Mask.Size()
			if eo != io {
				add("nat on %s: subnet sizes disagree (/%d vs /%d)", n.Port, eo, io)
			}
		}
	}

	// ── PTP ──
	if cfg.PTP.Enabled {
		if !validPtpModes[cfg.PTP.Mode] {
			add("invalid ptp.mode: %s", cfg.PTP.Mode)
		}
		if !validTransports[cfg.PTP.Transport] {
			add("invalid ptp.transport: %s", cfg.PTP.Transport)
		}
		if cfg.PTP.AnnounceTimeout <= 0 {
			cfg.PTP.AnnounceTimeout = 3
		}
	}

	// ── Telemetry ──
	if cfg.Telemetry.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Telemetry.Destination); err != nil {
			add("invalid telemetry.destination: %s", cfg.Telemetry.Destination)
		}
	}

	// ── Control ──
	if _, err := time.ParseDuration(cfg.Control.CommandTTL); err != nil {
		add("invalid control.command_ttl: %s", cfg.Control.CommandTTL)
	}
	if k := cfg.Control.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			add("control.kafka.brokers is required")
		}
		if k.Topic == "" || k.GroupID == "" {
			add("control.kafka requires topic and group_id")
		}
		if k.AutoOffsetReset != "earliest" && k.AutoOffsetReset != "latest" {
			add("invalid control.kafka.auto_offset_reset: %s", k.AutoOffsetReset)
		}
	}

	if errs != nil {
		return &ValidationError{Problems: errs}
	}
	return nil
}

// ValidationError carries every problem found by ValidateAndApplyDefaults.
// It matches core.ErrConfigInvalid under errors.Is.
type ValidationError struct {
	Problems error
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + e.Problems.Error()
}

func (e *ValidationError) Unwrap() []error {
	return []error{core.ErrConfigInvalid, e.Problems}
}

// List returns the individual problems.
func (e *ValidationError) List() []error {
	return multierr.Errors(e.Problems)
}
