/*
Package configs implements the run configuration of a halo exchange world.

This file contains structs and functions to manipulate configuration JSONs
*/
package configs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// HostConfig describes one rank of the world. Username and Password are
// only needed on the launching rank to deploy the others over SSH.
type HostConfig struct {
	Address  string
	Port     string // SSH port
	Username string
	Password string
	Rank     int
}

// Config is the struct for config.json. Every rank reads the same file
// with its own Rank filled in.
type Config struct {
	Rank        int          // rank of this process
	Hosts       []HostConfig // one entry per rank, ordered by rank
	BasePort    int          // rank r listens on BasePort+r
	TimeoutMs   int          // bound on every blocking wait
	SegmentSize int          // bytes per static segment
	HeapSize    int          // bytes per heap backed segment, 0 disables them
	DebugLevel  int          // 0=None, 1=Error, 2=Info 3=Msg 4=Debug
	GoVector    string       // vector clock log prefix, empty disables it
	PerfDB      string       // sqlite file receiving timing events, optional
	HaloLists   string       // halo list registry JSON, optional
}

// Default values used when a field is left out of the config file.
const (
	DefaultBasePort    = 9100
	DefaultTimeoutMs   = 30000
	DefaultSegmentSize = 1 << 20
	DefaultHeapSize    = 32 * 4096
)

// Default returns a single rank config on localhost.
func Default() Config {
	return Config{
		Hosts:       []HostConfig{{Address: "127.0.0.1", Rank: 0}},
		BasePort:    DefaultBasePort,
		TimeoutMs:   DefaultTimeoutMs,
		SegmentSize: DefaultSegmentSize,
		HeapSize:    DefaultHeapSize,
		DebugLevel:  1,
	}
}

// Local returns a config for n ranks all running on localhost.
func Local(n, basePort int) Config {
	c := Default()
	c.BasePort = basePort
	c.Hosts = make([]HostConfig, n)
	for i := range c.Hosts {
		c.Hosts[i] = HostConfig{Address: "127.0.0.1", Rank: i}
	}
	return c
}

// Size gets the number of ranks in the world
func (c Config) Size() int {
	return len(c.Hosts)
}

// Addresses lists the host address of every rank, indexed by rank.
func (c Config) Addresses() []string {
	addrs := make([]string, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Rank >= 0 && h.Rank < len(addrs) {
			addrs[h.Rank] = h.Address
		}
	}
	return addrs
}

// Timeout gets the bound on blocking waits
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ForRank returns a copy of the config for another rank. Credentials are
// stripped; only the launcher needs them.
func (c Config) ForRank(rank int) Config {
	out := c
	out.Rank = rank
	out.Hosts = make([]HostConfig, len(c.Hosts))
	for i, h := range c.Hosts {
		out.Hosts[i] = HostConfig{Address: h.Address, Port: h.Port, Rank: h.Rank}
	}
	return out
}

// Validate checks that the config describes a usable world.
func (c Config) Validate() error {
	if len(c.Hosts) == 0 {
		return errors.New("configs: no hosts")
	}
	if c.Rank < 0 || c.Rank >= len(c.Hosts) {
		return fmt.Errorf("configs: rank %d outside world of %d", c.Rank, len(c.Hosts))
	}
	seen := make(map[int]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Rank < 0 || h.Rank >= len(c.Hosts) || seen[h.Rank] {
			return fmt.Errorf("configs: host %s has invalid rank %d", h.Address, h.Rank)
		}
		seen[h.Rank] = true
		if h.Address == "" {
			return fmt.Errorf("configs: rank %d has no address", h.Rank)
		}
	}
	if c.BasePort <= 0 || c.BasePort+len(c.Hosts) > 65535 {
		return fmt.Errorf("configs: invalid base port %d", c.BasePort)
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("configs: invalid timeout %dms", c.TimeoutMs)
	}
	if c.SegmentSize <= 0 || c.HeapSize < 0 {
		return fmt.Errorf("configs: invalid segment sizes %d/%d", c.SegmentSize, c.HeapSize)
	}
	return nil
}

// ReadConfig reads configuration from a JSON file. Fields missing from the
// file keep their Default values.
func ReadConfig(filename string) (Config, error) {
	c := Default()
	cfFile, err := os.ReadFile(filename)
	if err != nil {
		//fail to read config
		return c, err
	}
	return Decode(cfFile)
}

// Decode parses a config, keeping Default values for missing fields.
func Decode(data []byte) (Config, error) {
	c := Default()
	if err := sonnet.Unmarshal(data, &c); err != nil {
		//unable to decode the config
		return c, err
	}
	return c, nil
}

// WriteConfig writes a config for another rank, typically by the launcher.
func WriteConfig(filename string, c Config) error {
	cfArr, err := Encode(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, cfArr, 0644)
}

// Encode serialises a config
func Encode(c Config) ([]byte, error) {
	return sonnet.Marshal(c)
}
