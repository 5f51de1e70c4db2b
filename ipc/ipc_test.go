/*
Package ipc implements the remote launcher of a halo exchange world.

This file implements the unit tests for the launcher.
*/
package ipc

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/configs"
)

func TestSSHAddress(t *testing.T) {
	if a := SSHAddress(configs.HostConfig{Address: "10.0.0.2"}); a != "10.0.0.2:22" {
		t.Errorf("[TEST] Default SSH address was %s", a)
	}
	if a := SSHAddress(configs.HostConfig{Address: "h", Port: "2222"}); a != "h:2222" {
		t.Errorf("[TEST] SSH address was %s", a)
	}
}

func TestCommands(t *testing.T) {
	if c := CopyCommand("/tmp/x y/halo", true); c != "cat > '/tmp/x y/halo' && chmod a+x '/tmp/x y/halo'" {
		t.Errorf("[TEST] CopyCommand was %q", c)
	}
	if c := CopyCommand("/tmp/c.json", false); strings.Contains(c, "chmod") {
		t.Errorf("[TEST] Config copy was made executable: %q", c)
	}
	start := StartCommand("/tmp/halo", 3)
	for _, want := range []string{"cd '/tmp/halo'", "-config config.json", "rank3.log", "&"} {
		if !strings.Contains(start, want) {
			t.Errorf("[TEST] StartCommand %q is missing %q", start, want)
		}
	}
	if q := shellQuote("it's"); q != `'it'\''s'` {
		t.Errorf("[TEST] shellQuote was %s", q)
	}
	if p := PrepareCommand("/tmp/halo"); !strings.Contains(p, "mkdir -p '/tmp/halo'") {
		t.Errorf("[TEST] PrepareCommand was %q", p)
	}
}

func writeBinary(t *testing.T) string {
	file := filepath.Join(t.TempDir(), "halo")
	if err := os.WriteFile(file, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("[TEST] write binary: %s", err)
	}
	return file
}

func TestStartNodesSkipsSelf(t *testing.T) {
	cfg := configs.Local(3, 9100)
	cfg.Rank = 1
	cfg.TimeoutMs = 2000

	var mutex sync.Mutex
	got := map[int]string{}
	deploy = func(h configs.HostConfig, bin, conf []byte, timeout time.Duration) error {
		c, err := configs.Decode(conf)
		if err != nil {
			return err
		}
		mutex.Lock()
		got[h.Rank] = string(bin)
		mutex.Unlock()
		if c.Rank != h.Rank {
			return errors.New("config carries the wrong rank")
		}
		if h.Rank == 2 {
			return errors.New("host down")
		}
		return nil
	}
	defer func() { deploy = deployHost }()

	n, results, err := StartNodes(cfg.Hosts, writeBinary(t), cfg)
	if err != nil {
		t.Fatalf("[TEST] StartNodes failed: %s", err)
	}
	if n != 1 || len(results) != 2 {
		t.Errorf("[TEST] Started %d with %d results, want 1 and 2", n, len(results))
	}
	if _, ok := got[1]; ok {
		t.Errorf("[TEST] Launching rank deployed itself")
	}
	if got[0] != "#!/bin/sh\n" {
		t.Errorf("[TEST] Binary not streamed: %q", got[0])
	}
	for _, r := range results {
		if (r.Rank == 2) != (r.Err != nil) {
			t.Errorf("[TEST] Result %+v", r)
		}
	}
}

func TestStartNodesTimeout(t *testing.T) {
	cfg := configs.Local(2, 9100)
	cfg.TimeoutMs = 50
	release := make(chan struct{})
	deploy = func(h configs.HostConfig, bin, conf []byte, timeout time.Duration) error {
		<-release
		return nil
	}
	defer func() { close(release); deploy = deployHost }()

	n, results, err := StartNodes(cfg.Hosts, writeBinary(t), cfg)
	if err != nil || n != 0 || len(results) != 0 {
		t.Errorf("[TEST] Timed out launch returned %d, %v, %v", n, results, err)
	}
}

func TestStartNodesMissingBinary(t *testing.T) {
	cfg := configs.Local(2, 9100)
	if _, _, err := StartNodes(cfg.Hosts, filepath.Join(t.TempDir(), "none"), cfg); err == nil {
		t.Errorf("[TEST] Missing binary was accepted")
	}
}

func TestDeployRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("[TEST] listen: %s", err)
	}
	_, port, _ := net.SplitHostPort(l.Addr().String())
	l.Close()

	h := configs.HostConfig{Address: "127.0.0.1", Port: port, Username: "u", Password: "p", Rank: 1}
	if err := deployHost(h, []byte("x"), []byte("{}"), time.Second); err == nil {
		t.Errorf("[TEST] Deploy to a closed port succeeded")
	}
}
