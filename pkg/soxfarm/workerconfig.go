package soxfarm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkerSpec is the fully-resolved description of one worker passed to
// BuildWorkerConfig: its identity, ports, data directory, and assigned
// exit relays.
type WorkerSpec struct {
	ID          int
	SocksPort   int
	ControlPort int
	DataDir     string
	ExitNodes   []string
}

// BuildWorkerConfig renders the on-disk configuration fragment for one
// worker and the argv used to launch it. The fragment is written to
// <data_dir>/torrc; argv is [binary_path, "-f", config_path].
// Every setting the worker needs lives in the fragment — there are no
// hidden defaults the worker binary is expected to supply on its own.
func BuildWorkerConfig(spec WorkerSpec, binaryPath string) (configText string, argv []string, err error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SocksPort 127.0.0.1:%d\n", spec.SocksPort)
	fmt.Fprintf(&b, "ControlPort 127.0.0.1:%d\n", spec.ControlPort)
	fmt.Fprintf(&b, "DataDirectory %s\n", spec.DataDir)
	fmt.Fprintf(&b, "ClientOnly 1\n")
	fmt.Fprintf(&b, "ExitRelay 0\n")

	if len(spec.ExitNodes) > 0 {
		fmt.Fprintf(&b, "ExitNodes %s\n", strings.Join(spec.ExitNodes, ","))
		fmt.Fprintf(&b, "StrictNodes 1\n")
	}

	configPath := filepath.Join(spec.DataDir, "torrc")
	if err := os.WriteFile(configPath, []byte(b.String()), 0o600); err != nil {
		return "", nil, newError(KindSpawnError, "failed to write worker config fragment", err)
	}

	return b.String(), []string{binaryPath, "-f", configPath}, nil
}
