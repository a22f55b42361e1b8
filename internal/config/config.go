// Package config layers the compiled defaults, an optional YAML file and command line
// overrides into the settings of pcitool.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/ipecamera"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "pcitool.yml"

// Models and backends selected by detection.
const (
	MODEL_AUTO      = "auto"
	MODEL_IPECAMERA = "ipecamera"
	MODEL_PCI       = "pci"

	DMA_AUTO = "auto"
)

// Device selects the board and how it is driven.
type Device struct {
	Number int `koanf:"number"`
	// Model is auto, ipecamera or pci.
	Model string `koanf:"model"`
	// DMA is auto or the name of a registered backend.
	DMA string `koanf:"dma"`
}

// Server configures the status server.
type Server struct {
	Listen string `koanf:"listen"`
}

// Log configures the logger.
type Log struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Config is the complete configuration.
type Config struct {
	Device Device           `koanf:"device"`
	DMA    dma.Config       `koanf:"dma"`
	Camera ipecamera.Config `koanf:"camera"`
	Server Server           `koanf:"server"`
	Log    Log              `koanf:"log"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		Device: Device{Model: MODEL_AUTO, DMA: DMA_AUTO},
		DMA:    dma.DefaultConfig(),
		Camera: ipecamera.DefaultConfig(),
		Server: Server{Listen: ":8000"},
		Log:    Log{Level: "info"},
	}
}

func load(path string, required bool) (*koanf.Koanf, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		return k, nil
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return k, nil
		}

		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error loading config %s: %w", path, err)
	}

	return k, nil
}

// Load reads the file at path over the defaults. A missing file is only an error if
// required is set.
func Load(path string, required bool) (Config, error) {
	var cfg Config

	k, err := load(path, required)
	if err != nil {
		return cfg, err
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Marshal renders the configuration with the keys Load understands.
func Marshal(cfg Config) ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, err
	}

	return yml.Marshal(k.Raw())
}
