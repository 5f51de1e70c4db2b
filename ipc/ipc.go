/*
Package ipc implements the remote launcher of a halo exchange world.

This file contains the SSH deployment of ranks to the hosts of a config.
The launching rank streams its own binary and a per-rank config to every
other host and starts the rank there in the background.
*/
package ipc

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/configs"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// RemoteDir is the working directory created on every remote host
const RemoteDir = "/tmp/halo"

// remote file names inside RemoteDir
const (
	binaryName = "halo"
	configName = "config.json"
)

// Result is the outcome of deploying one rank.
type Result struct {
	Rank    int
	Address string
	Err     error
}

// deploy starts one rank; replaced in tests.
var deploy = deployHost

// StartNodes deploys every rank of cfg other than cfg.Rank using binary as
// the executable. It waits at most cfg.Timeout() for the hosts and returns
// how many ranks were started along with the per-host results received.
func StartNodes(hosts []configs.HostConfig, binary string, cfg configs.Config) (int, []Result, error) {
	bin, err := os.ReadFile(binary)
	if err != nil {
		return 0, nil, fmt.Errorf("ipc: read binary: %w", err)
	}

	run := deploy
	resChan := make(chan Result, len(hosts))
	pending := 0
	for _, h := range hosts {
		if h.Rank == cfg.Rank {
			continue
		}
		conf, err := configs.Encode(cfg.ForRank(h.Rank))
		if err != nil {
			return 0, nil, fmt.Errorf("ipc: config for rank %d: %w", h.Rank, err)
		}
		pending++
		go func(h configs.HostConfig, conf []byte) {
			log.Info().Int("rank", h.Rank).Str("host", h.Address).Msg("[IPC] StartNodes: deploying")
			err := run(h, bin, conf, cfg.Timeout())
			resChan <- Result{Rank: h.Rank, Address: h.Address, Err: err}
		}(h, conf)
	}

	started := 0
	results := []Result{}
	timeout := time.After(cfg.Timeout())
	for pending > 0 {
		select {
		case res := <-resChan:
			pending--
			results = append(results, res)
			if res.Err != nil {
				log.Error().Err(res.Err).Int("rank", res.Rank).Str("host", res.Address).Msg("[IPC] StartNodes: deployment failed")
				continue
			}
			started++
			log.Info().Int("rank", res.Rank).Int("waiting", pending).Msg("[IPC] StartNodes: rank running")
		case <-timeout:
			log.Warn().Int("started", started).Int("missing", pending).Msg("[IPC] StartNodes: rest timed out")
			return started, results, nil
		}
	}
	return started, results, nil
}

// deployHost copies the binary and config to one host and starts the rank.
func deployHost(h configs.HostConfig, bin, conf []byte, timeout time.Duration) error {
	sshConfig := &ssh.ClientConfig{
		User:            h.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(h.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	client, err := ssh.Dial("tcp", SSHAddress(h), sshConfig)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", SSHAddress(h), err)
	}
	defer client.Close()

	steps := []struct {
		name  string
		cmd   string
		stdin []byte
	}{
		{"prepare", PrepareCommand(RemoteDir), nil},
		{"copy binary", CopyCommand(path.Join(RemoteDir, binaryName), true), bin},
		{"copy config", CopyCommand(path.Join(RemoteDir, configName), false), conf},
		{"start", StartCommand(RemoteDir, h.Rank), nil},
	}
	for _, s := range steps {
		var in io.Reader
		if s.stdin != nil {
			in = bytes.NewReader(s.stdin)
		}
		if err := remoteComm(client, s.cmd, in); err != nil {
			return fmt.Errorf("%s on %s: %w", s.name, h.Address, err)
		}
	}
	return nil
}

// remoteComm runs one command in a new session, feeding it stdin if given.
func remoteComm(client *ssh.Client, command string, stdin io.Reader) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}
	if err := session.Run(command); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// SSHAddress gets the host:port to dial for a host, port 22 by default
func SSHAddress(h configs.HostConfig) string {
	port := h.Port
	if port == "" {
		port = "22"
	}
	return h.Address + ":" + port
}

// PrepareCommand kills a rank left over in dir and recreates it.
func PrepareCommand(dir string) string {
	bin := shellQuote(path.Join(dir, binaryName))
	return fmt.Sprintf("pkill -f %s; rm -rf %s && mkdir -p %s", bin, shellQuote(dir), shellQuote(dir))
}

// CopyCommand writes stdin to file, marking it executable if asked.
func CopyCommand(file string, executable bool) string {
	cmd := "cat > " + shellQuote(file)
	if executable {
		cmd += " && chmod a+x " + shellQuote(file)
	}
	return cmd
}

// StartCommand starts the deployed rank detached from the session.
func StartCommand(dir string, rank int) string {
	return fmt.Sprintf("cd %s && nohup ./%s -config %s > rank%d.log 2>&1 < /dev/null &",
		shellQuote(dir), binaryName, configName, rank)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
