package media

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/bdbenim/stash-empornium/pkg/log"
)

// ExecRunner runs programs with exec.CommandContext and captures both streams.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmdPath, err := exec.LookPath(name)
	if err != nil {
		return Result{}, err
	}
	cmd := exec.CommandContext(ctx, cmdPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("Running %s %s", name, strings.Join(args, " "))
	err = cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		log.Debug("%s output:\n%s%s", name, res.Stdout, res.Stderr)
	}
	return res, err
}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
