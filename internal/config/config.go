package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Device struct {
		Name string `yaml:"name"`
		// WarpSize is the logical SIMD width reported to kernels.
		WarpSize int `yaml:"warpSize"`
		// BlocksPerCore scales occupancy off GOMAXPROCS when
		// MaxResidentBlocks is 0.
		BlocksPerCore     int `yaml:"blocksPerCore"`
		MaxResidentBlocks int `yaml:"maxResidentBlocks"`
		SharedMemPerBlock int `yaml:"sharedMemPerBlock"`
	} `yaml:"device"`
	Sort struct {
		CountBlockSize int `yaml:"countBlockSize"`
		ScanBlockSize  int `yaml:"scanBlockSize"`
		SortBlockSize  int `yaml:"sortBlockSize"`
		// SinglePassThreshold is the largest input routed to the fused
		// single-pass kernels.
		SinglePassThreshold int `yaml:"singlePassThreshold"`
		// MaxKeys sizes the per-instance histogram and grid at
		// construction time. Larger inputs still sort; blocks just
		// process longer chunks.
		MaxKeys int `yaml:"maxKeys"`
		// ScanAlgorithm is one of "host", "singleWG", "parallel".
		ScanAlgorithm string `yaml:"scanAlgorithm"`
	} `yaml:"sort"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// DefaultConfig returns the settings used when no config file is given.
func DefaultConfig() *Config {
	c := &Config{}
	c.Logger.Verbosity = "info"
	c.Device.Name = "parprim virtual device"
	c.Device.WarpSize = 32
	c.Device.BlocksPerCore = 4
	c.Device.MaxResidentBlocks = 0
	c.Device.SharedMemPerBlock = 1 << 20
	c.Sort.CountBlockSize = 64
	c.Sort.ScanBlockSize = 64
	c.Sort.SortBlockSize = 64
	c.Sort.SinglePassThreshold = 32768
	c.Sort.MaxKeys = 1 << 24
	c.Sort.ScanAlgorithm = "parallel"
	return c
}

func (c *Config) Validate() error {
	if c.Device.WarpSize <= 0 {
		return fmt.Errorf("device.warpSize must be positive, got %d", c.Device.WarpSize)
	}
	if c.Device.BlocksPerCore <= 0 && c.Device.MaxResidentBlocks <= 0 {
		return fmt.Errorf("one of device.blocksPerCore or device.maxResidentBlocks must be positive")
	}
	for _, bs := range []struct {
		name string
		v    int
	}{
		{"sort.countBlockSize", c.Sort.CountBlockSize},
		{"sort.scanBlockSize", c.Sort.ScanBlockSize},
		{"sort.sortBlockSize", c.Sort.SortBlockSize},
	} {
		if bs.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", bs.name, bs.v)
		}
	}
	if c.Sort.MaxKeys <= 0 {
		return fmt.Errorf("sort.maxKeys must be positive, got %d", c.Sort.MaxKeys)
	}
	if c.Sort.SinglePassThreshold < 0 {
		return fmt.Errorf("sort.singlePassThreshold must not be negative, got %d", c.Sort.SinglePassThreshold)
	}
	switch c.Sort.ScanAlgorithm {
	case "host", "singleWG", "parallel":
	default:
		return fmt.Errorf("sort.scanAlgorithm must be host, singleWG or parallel, got %q", c.Sort.ScanAlgorithm)
	}
	return nil
}
