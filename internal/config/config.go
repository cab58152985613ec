package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

const (
	BackendAuto  = "auto"
	BackendCPU   = "cpu"
	BackendMetal = "metal"
)

type DeviceConfig struct {
	// Backend selects the accelerator runtime: auto, cpu or metal.
	Backend string `yaml:"backend"`
	// Name overrides the display name of the software device.
	Name string `yaml:"name"`
	// MemoryLimit caps the bytes a software device may allocate.
	MemoryLimit int64 `yaml:"memoryLimit"`
	// ParallelThreshold is the element count above which elementwise
	// kernels are split into tiles and run concurrently.
	ParallelThreshold int `yaml:"parallelThreshold"`
}

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Device  DeviceConfig `yaml:"device"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var config Config
	config.Logger.Verbosity = "info"
	config.Device = DefaultDevice()
	return &config
}

func DefaultDevice() DeviceConfig {
	return DeviceConfig{
		Backend:           BackendAuto,
		MemoryLimit:       1 << 30,
		ParallelThreshold: 1 << 16,
	}
}

// LoadConfig reads a YAML file on top of Default, so absent keys keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
