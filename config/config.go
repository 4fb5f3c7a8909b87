// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

// Package config loads the dotrepro configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dotrepro/dotrepro"
	"github.com/dotrepro/dotrepro/nuget"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "dotrepro.toml"

type Config struct {
	Cache    Cache    `toml:"cache"`
	Feed     Feed     `toml:"feed"`
	Compiler Compiler `toml:"compiler"`
	Rebuild  Rebuild  `toml:"rebuild"`
	Compare  Compare  `toml:"compare"`
}

type Cache struct {
	Dir string `toml:"dir"`
}

type Feed struct {
	URL             string        `toml:"url"`
	Timeout         time.Duration `toml:"timeout"`
	DownloadsPerSec float64       `toml:"downloads_per_second"`
	// AssemblyPattern selects the assemblies analysed inside a package.
	AssemblyPattern string `toml:"assembly_pattern"`
}

type Compiler struct {
	Command            []string `toml:"command"`
	VisualBasicCommand []string `toml:"vb_command"`
}

type Rebuild struct {
	SourceRoot    string   `toml:"source_root"`
	OutputRoot    string   `toml:"output_root"`
	ReferenceDirs []string `toml:"reference_dirs"`
	SymbolDirs    []string `toml:"symbol_dirs"`
}

type Compare struct {
	Tolerance int `toml:"tolerance"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("error when parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration key %q in %s", undecoded[0].String(), path)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault loads path, or FileName from the working directory if path is
// empty. A missing default file yields the default configuration.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg, err := Load(FileName)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) applyDefaults() {
	if c.Cache.Dir == "" {
		c.Cache.Dir = defaultCacheDir()
	}
	if c.Feed.URL == "" {
		c.Feed.URL = nuget.DefaultFeedURL
	}
	if c.Feed.Timeout == 0 {
		c.Feed.Timeout = nuget.DefaultTimeout
	}
	if c.Feed.DownloadsPerSec == 0 {
		c.Feed.DownloadsPerSec = nuget.DefaultRateLimit
	}
	if c.Feed.AssemblyPattern == "" {
		c.Feed.AssemblyPattern = nuget.DefaultAssemblyPattern
	}
	if c.Rebuild.SourceRoot == "" {
		c.Rebuild.SourceRoot = dotrepro.DefaultSourceRoot
	}
	if c.Rebuild.OutputRoot == "" {
		c.Rebuild.OutputRoot = dotrepro.DefaultOutputRoot
	}
	if c.Compare.Tolerance == 0 {
		c.Compare.Tolerance = dotrepro.DefaultTolerance
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "dotrepro")
	}
	return filepath.Join(os.TempDir(), "dotrepro")
}
