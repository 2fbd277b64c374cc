package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/knadh/koanf/parsers/hcl"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "CHIMERA_"

// SearchPaths are tried in order when no config path is given.
var SearchPaths = []string{"/etc/chimera/config.hcl", "~/.config/chimera/config.hcl", "./config.hcl"}

// sections lists the nested koanf paths so that underscores inside a leaf
// name survive the env mapping (CHIMERA_SIMULATION_SNR_DB is
// simulation.snr_db, not simulation.snr.db).
var sections = []string{
	"simulation",
	"simulation.ldpc",
	"simulation.protocol",
	"simulation.protocol.frame_layout",
	"simulation.channel",
	"simulation.decoder",
	"simulation.demod",
	"sweep",
	"server",
}

// FindConfig returns the first existing path of SearchPaths, or "".
func FindConfig() string {
	for _, path := range SearchPaths {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				continue
			}
			path = home + path[1:]
		}
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			log.Infof("[config] found config file: %s", path)
			return path
		}
	}
	return ""
}

// Load reads an HCL file over Default and then applies CHIMERA_ environment
// variables. A missing file falls back to defaults plus environment; an
// unreadable or malformed file is an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), hcl.Parser(true)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("%w: reading %s: %w", ErrInvalid, path, err)
			}
			log.Warnf("[config] %s not found, using defaults and environment", path)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return Config{}, fmt.Errorf("%w: environment: %w", ErrInvalid, err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	log.Debugf("[config] loaded %d keys", len(k.Keys()))
	return cfg, nil
}

// envKey maps CHIMERA_SIMULATION_LDPC_DV to simulation.ldpc.dv.
func envKey(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	byLength := append([]string(nil), sections...)
	sort.Slice(byLength, func(i, j int) bool { return len(byLength[i]) > len(byLength[j]) })
	for _, s := range byLength {
		p := strings.ReplaceAll(s, ".", "_") + "_"
		if strings.HasPrefix(key, p) {
			key = s + "." + strings.TrimPrefix(key, p)
			break
		}
	}
	log.Debugf("[config] env %s=%v", key, v)
	return key, v
}
