package config

import (
	"encoding/json"
	"os"
)

// NewConfig returns a config object with default structures
// initialized.  The config can be loaded from other sources to
// override the defaults.
func NewConfig() *Config {
	return &Config{
		DBURL:                  "dbname=qrunner sslmode=disable",
		MachinesFile:           "/etc/qrunner/machines",
		MachinesReloadInterval: 30,
		StoreBackend:           "bitcask",
		RootsDir:               "/var/lib/qrunner/roots",
		LogDir:                 "/var/lib/qrunner/logs",
		LockFile:               "/var/lib/qrunner/lock",
		BindAddr:               ":8080",
		MaxTries:               5,
		RetryInterval:          60,
		RetryBackoff:           3.0,
		MaxParallelCopyClosure: 4,
		LocalWorkers:           4,
		SchedulingWindow:       24 * 60 * 60,
		MachineBaseCooldown:    30,
		JobsetRepeats:          make(map[string]int),
		MaxLogSize:             64 << 20,
	}
}

// LoadFromFile does as the name suggests, and loads the config from a
// file
func (c *Config) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	return dec.Decode(c)
}
