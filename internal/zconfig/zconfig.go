// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package zconfig parses the logging, thread, and process CLI flag groups
// with the standard library's flag package, and loads a YAML file layered
// underneath them: gopkg.in/yaml.v3 unmarshal followed by a validate() pass
// that fills in defaults and rejects a missing listen address.
package zconfig

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"
)

// LoggingFlags holds the logging-related CLI flags.
type LoggingFlags struct {
	Verbose   int
	NoSyslog  bool
	LogSpec   string
	LogTags   bool
}

// ThreadFlags holds the worker-pool sizing CLI flags.
type ThreadFlags struct {
	ThreadPools int
	Threads     int
	IdleThreads int
	StackSizeKB int
}

// ProcessMode selects how the supervised process backgrounds itself.
type ProcessMode string

const (
	ModeForeground     ProcessMode = "foreground"
	ModeBackground     ProcessMode = "background"
	ModeSafeBackground ProcessMode = "safe-background"
)

// ProcessFlags holds the process-supervision CLI flags.
type ProcessFlags struct {
	Foreground      bool
	Mode            ProcessMode
	User            string
	Group           string
	Chroot          string
	Caps            string
	NoCaps          bool
	PIDFile         string
	EnableCore      bool
	FDLimitMin      int
	RestartMax      int
	RestartInterval time.Duration
	NotifyInterval  time.Duration
}

// Flags is the full set of CLI flag groups, parsed together so a single
// host binary exposes every group.
type Flags struct {
	ConfigPath string
	Logging    LoggingFlags
	Thread     ThreadFlags
	Process    ProcessFlags
}

// Parse registers and parses Flags against fs (pass flag.CommandLine in
// production, a fresh *flag.FlagSet in tests) and the given argv tail.
func Parse(fs *flag.FlagSet, args []string) (*Flags, error) {
	f := &Flags{}

	fs.StringVar(&f.ConfigPath, "config", "/etc/zorp/proxy.yaml", "path to the YAML configuration file")

	fs.IntVar(&f.Logging.Verbose, "verbose", 3, "global log verbosity")
	fs.BoolVar(&f.Logging.NoSyslog, "no-syslog", false, "disable syslog output")
	fs.StringVar(&f.Logging.LogSpec, "log-spec", "", "glob:level[,glob:level]* per-tag verbosity overrides")
	fs.BoolVar(&f.Logging.LogTags, "log-tags", false, "prefix log lines with their tag")

	fs.IntVar(&f.Thread.ThreadPools, "threadpools", 1, "number of worker pools")
	fs.IntVar(&f.Thread.Threads, "threads", 4, "workers per pool")
	fs.IntVar(&f.Thread.IdleThreads, "idle-threads", 1, "minimum idle workers kept warm")
	fs.IntVar(&f.Thread.StackSizeKB, "stack-size", 0, "per-worker stack size in KB (capped at 256)")

	fs.BoolVar(&f.Process.Foreground, "foreground", false, "run in the foreground instead of daemonizing")
	mode := fs.String("process-mode", string(ModeForeground), "foreground, background, or safe-background")
	fs.StringVar(&f.Process.User, "user", "", "drop privileges to this user after startup")
	fs.StringVar(&f.Process.Group, "group", "", "drop privileges to this group after startup")
	fs.StringVar(&f.Process.Chroot, "chroot", "", "chroot to this directory after startup")
	fs.StringVar(&f.Process.Caps, "caps", "", "retained POSIX capabilities after privilege drop")
	fs.BoolVar(&f.Process.NoCaps, "no-caps", false, "drop all capabilities instead of the --caps set")
	fs.StringVar(&f.Process.PIDFile, "pidfile", "", "override the default <rundir>/<name>.pid path")
	fs.BoolVar(&f.Process.EnableCore, "enable-core", false, "allow core dumps")
	fs.IntVar(&f.Process.FDLimitMin, "fd-limit-min", 0, "raise RLIMIT_NOFILE to at least this value")
	fs.IntVar(&f.Process.RestartMax, "restart-max", 0, "maximum supervisor-driven restarts (0 = unlimited)")
	restartIntervalSec := fs.Int("restart-interval", 1, "seconds the supervisor waits before a restart")
	notifyIntervalSec := fs.Int("notify-interval", 0, "seconds between supervisor heartbeats (0 = disabled)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch ProcessMode(*mode) {
	case ModeForeground, ModeBackground, ModeSafeBackground:
		f.Process.Mode = ProcessMode(*mode)
	default:
		return nil, fmt.Errorf("zconfig: invalid --process-mode %q", *mode)
	}
	f.Process.RestartInterval = time.Duration(*restartIntervalSec) * time.Second
	f.Process.NotifyInterval = time.Duration(*notifyIntervalSec) * time.Second

	if f.Process.Foreground {
		f.Process.Mode = ModeForeground
	}

	return f, nil
}

// FileConfig is the YAML-backed configuration layered underneath the CLI
// flags, matching internal/config.AgentConfig's shape: a typed struct per
// concern, loaded with yaml.v3 and defaulted/validated afterward.
type FileConfig struct {
	Listen  ListenConfig  `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Blob    BlobConfig    `yaml:"blob"`
	Logging LoggingConfig `yaml:"logging"`
}

// ListenConfig names the address(es) the demo proxy binds.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// TLSConfig names certificate material for the TLS session layer.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CADir    string `yaml:"ca_dir"`
	CRLDir   string `yaml:"crl_dir"`
}

// BlobConfig mirrors the blob system's sizing knobs.
type BlobConfig struct {
	TmpDir      string `yaml:"tmp_dir"`
	MemMax      string `yaml:"mem_max"`
	DiskMax     string `yaml:"disk_max"`
	LowWater    string `yaml:"low_water"`
	HighWater   string `yaml:"high_water"`
	NoSwapMax   string `yaml:"no_swap_max"`
	AutoSizeMem bool   `yaml:"auto_size_mem"`
}

// LoggingConfig mirrors the logging flag group's file-backed defaults.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadFile reads and validates path, filling in the same kind of defaults
// internal/config.AgentConfig.validate applies.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("zconfig: reading %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("zconfig: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("zconfig: validating %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *FileConfig) validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Blob.TmpDir == "" {
		c.Blob.TmpDir = os.TempDir()
	}
	if c.Blob.MemMax == "" {
		c.Blob.MemMax = "64mb"
	}
	if c.Blob.DiskMax == "" {
		c.Blob.DiskMax = "1gb"
	}
	if c.Blob.LowWater == "" {
		c.Blob.LowWater = "48mb"
	}
	if c.Blob.HighWater == "" {
		c.Blob.HighWater = "56mb"
	}
	return nil
}

// ParseByteSize converts a human-readable size like "256mb" or "1gb" into
// bytes, ported from internal/config.ParseByteSize.
func ParseByteSize(s string) (int64, error) {
	return parseByteSize(s)
}

// ResolvedBlobSizes is the byte-valued sizing the blob system's Config
// actually wants, after either parsing BlobConfig's human-readable strings
// or, when AutoSizeMem is set, deriving them from live host memory.
type ResolvedBlobSizes struct {
	MemMax int64
	Hiwat  int64
	Lowat  int64
}

// autoSizeMemFraction is the share of total host RAM handed to mem_max when
// auto-sizing is enabled, leaving headroom for the rest of the process and
// the OS page cache that backs the blob store's spill files.
const autoSizeMemFraction = 0.25

// ResolveBlobSizes computes MemMax/Hiwat/Lowat for cfg. With AutoSizeMem
// unset, it simply parses MemMax/LowWater/HighWater as byte-size strings.
// With AutoSizeMem set, it queries live host memory via gopsutil and
// derives mem_max as a fraction of total RAM, hiwat just under that, and
// lowat with headroom below hiwat — keeping the blob package itself free
// of a gopsutil import, per the "auto-sizing lives at the config layer"
// decision (see DESIGN.md's Open Question notes).
func ResolveBlobSizes(cfg BlobConfig) (ResolvedBlobSizes, error) {
	if !cfg.AutoSizeMem {
		memMax, err := parseByteSize(cfg.MemMax)
		if err != nil {
			return ResolvedBlobSizes{}, fmt.Errorf("zconfig: mem_max: %w", err)
		}
		lowat, err := parseByteSize(cfg.LowWater)
		if err != nil {
			return ResolvedBlobSizes{}, fmt.Errorf("zconfig: low_water: %w", err)
		}
		hiwat, err := parseByteSize(cfg.HighWater)
		if err != nil {
			return ResolvedBlobSizes{}, fmt.Errorf("zconfig: high_water: %w", err)
		}
		return ResolvedBlobSizes{MemMax: memMax, Hiwat: hiwat, Lowat: lowat}, nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return ResolvedBlobSizes{}, fmt.Errorf("zconfig: auto-sizing blob memory: %w", err)
	}
	memMax := int64(float64(vm.Total) * autoSizeMemFraction)
	hiwat := memMax - memMax/8
	lowat := hiwat - hiwat/4
	return ResolvedBlobSizes{MemMax: memMax, Hiwat: hiwat, Lowat: lowat}, nil
}
