package config

import (
	_ "embed"
	"os"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/file"
)

//go:embed sample.toml
var sample []byte

// Sample returns the commented default configuration file.
func Sample() []byte {
	return append([]byte(nil), sample...)
}

// WriteSample writes the default configuration to path. An existing file is
// only replaced when force is set.
func WriteSample(path string, force bool) error {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil && !force {
		return errs.New(errs.Config, "%s already exists", path)
	}
	if err := file.WriteAtomic(path, sample, 0o600); err != nil {
		return errs.Wrap(err, errs.Config, "write %s", path)
	}
	return nil
}
