//go:build !unix

package dap

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
