/*
Package configs implements the run configuration of a halo exchange world.

This file implements the unit tests for the configs
*/
package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigRoundTrip(t *testing.T) {
	c := Local(3, 9300)
	c.Rank = 2
	c.GoVector = "halo"
	c.Hosts[1].Username = "op2"

	path := filepath.Join(t.TempDir(), "config.json")
	if err := WriteConfig(path, c); err != nil {
		t.Fatalf("[TEST] WriteConfig failed: %s", err)
	}
	r, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("[TEST] ReadConfig failed: %s", err)
	}
	if r.Rank != 2 || r.Size() != 3 || r.BasePort != 9300 || r.GoVector != "halo" {
		t.Errorf("[TEST] Config did not survive round trip: %+v", r)
	}
	if r.Hosts[1].Username != "op2" {
		t.Errorf("[TEST] Host credentials lost: %+v", r.Hosts[1])
	}
}

func TestReadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"Rank":1,"Hosts":[{"Address":"a","Rank":0},{"Address":"b","Rank":1}]}`), 0644)

	c, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("[TEST] ReadConfig failed: %s", err)
	}
	if c.Timeout() != DefaultTimeoutMs*time.Millisecond {
		t.Errorf("[TEST] Timeout default was %s", c.Timeout())
	}
	if c.SegmentSize != DefaultSegmentSize || c.BasePort != DefaultBasePort {
		t.Errorf("[TEST] Defaults not applied: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("[TEST] Validate failed: %s", err)
	}
	if addrs := c.Addresses(); addrs[0] != "a" || addrs[1] != "b" {
		t.Errorf("[TEST] Addresses were %v", addrs)
	}
}

func TestReadConfigMissing(t *testing.T) {
	if _, err := ReadConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Errorf("[TEST] ReadConfig of a missing file did not return error")
	}
}

func TestValidate(t *testing.T) {
	c := Local(2, 9400)
	c.Rank = 2
	if c.Validate() == nil {
		t.Errorf("[TEST] Rank outside world accepted")
	}
	c.Rank = 0
	c.Hosts[1].Rank = 0
	if c.Validate() == nil {
		t.Errorf("[TEST] Duplicate rank accepted")
	}
	c = Local(2, 9400)
	c.TimeoutMs = 0
	if c.Validate() == nil {
		t.Errorf("[TEST] Zero timeout accepted")
	}
}

func TestForRank(t *testing.T) {
	c := Local(2, 9500)
	c.Hosts[1].Password = "secret"
	r := c.ForRank(1)
	if r.Rank != 1 || r.Hosts[1].Password != "" {
		t.Errorf("[TEST] ForRank did not strip credentials: %+v", r)
	}
	if c.Hosts[1].Password != "secret" {
		t.Errorf("[TEST] ForRank modified the source config")
	}
}
