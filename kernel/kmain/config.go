package kmain

import (
	"io"
	"strconv"
	"strings"

	"coopos/kernel"
	"coopos/kernel/hal/multiboot"
	"coopos/kernel/mm/vmm"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"golang.org/x/exp/slog"
)

var errInvalidConfig = &kernel.Error{Module: "kmain", Message: "invalid configuration"}

// Config describes the machine that Boot brings up.
type Config struct {
	// MemoryMap lists the physical memory regions reported by the boot
	// loader.
	MemoryMap multiboot.MemoryMap

	// LogLevel is used when Logger is nil.
	LogLevel slog.Level

	// Strategy selects how process VMPools place regions.
	Strategy vmm.AllocationStrategy

	Logger *slog.Logger

	// ConsoleSink receives console output. Output is buffered while nil.
	ConsoleSink io.Writer
}

// DefaultConfig returns the configuration of a QEMU machine with 128M of RAM.
func DefaultConfig() Config {
	return Config{
		MemoryMap: multiboot.MemoryMap{
			{PhysAddress: 0x0, Length: 0x9fc00, Type: multiboot.MemAvailable},
			{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
			{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
			{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
			{PhysAddress: 0x7fe0000, Length: 0x20000, Type: multiboot.MemReserved},
			{PhysAddress: 0xfffc0000, Length: 0x40000, Type: multiboot.MemReserved},
		},
		LogLevel: slog.LevelInfo,
		Strategy: vmm.StrategyBump,
	}
}

// ParseConfig decodes a JSON configuration on top of DefaultConfig. A
// memoryMap present in data replaces the default one. Addresses and lengths
// are strings in any base accepted by strconv.ParseUint.
//
//	{
//	  "memoryMap": [{"address": "0x100000", "length": "0x7ee0000", "type": "available"}],
//	  "logLevel": "debug",
//	  "strategy": "first-fit"
//	}
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "memoryMap":
			cfg.MemoryMap = nil
			for arr := r.Array(); arr.Next(); {
				entry, err := readMemoryMapEntry(&r)
				if err != nil {
					return Config{}, err
				}
				cfg.MemoryMap = append(cfg.MemoryMap, entry)
			}
		case "logLevel":
			level, err := parseLevel(r.String())
			if err != nil {
				return Config{}, err
			}
			cfg.LogLevel = level
		case "strategy":
			strategy, err := parseStrategy(r.String())
			if err != nil {
				return Config{}, err
			}
			cfg.Strategy = strategy
		default:
			if err := r.SkipValue(); err != nil {
				return Config{}, errors.Wrap(err, "parsing config")
			}
		}
	}

	if err := r.Error(); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}

func readMemoryMapEntry(r *jreader.Reader) (multiboot.MemoryMapEntry, error) {
	var (
		entry multiboot.MemoryMapEntry
		err   error
	)

	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "address":
			entry.PhysAddress, err = parseUint(r.String())
		case "length":
			entry.Length, err = parseUint(r.String())
		case "type":
			entry.Type, err = parseMemoryType(r.String())
		default:
			err = r.SkipValue()
		}
		if err != nil {
			return entry, err
		}
	}

	return entry, nil
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(errInvalidConfig, "bad number %q", s)
	}
	return v, nil
}

func parseMemoryType(s string) (multiboot.MemoryEntryType, error) {
	switch strings.ToLower(s) {
	case "available":
		return multiboot.MemAvailable, nil
	case "reserved":
		return multiboot.MemReserved, nil
	case "acpi":
		return multiboot.MemAcpiReclaimable, nil
	case "nvs":
		return multiboot.MemNvs, nil
	}
	return 0, errors.Wrapf(errInvalidConfig, "unknown memory type %q", s)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errors.Wrapf(errInvalidConfig, "unknown log level %q", s)
}

func parseStrategy(s string) (vmm.AllocationStrategy, error) {
	for _, strategy := range []vmm.AllocationStrategy{vmm.StrategyBump, vmm.StrategyFirstFit} {
		if strategy.String() == s {
			return strategy, nil
		}
	}
	return 0, errors.Wrapf(errInvalidConfig, "unknown strategy %q", s)
}
