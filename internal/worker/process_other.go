//go:build !unix

package worker

import (
	"os"
	"os/exec"
)

func configureCommand(cmd *exec.Cmd) {}

func killProcessGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
