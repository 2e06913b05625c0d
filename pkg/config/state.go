package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/debuggers"
	"gopkg.in/yaml.v2"
)

// LoadState reads a registry snapshot. A missing file is an empty registry.
func LoadState(path string) (debuggers.RegistryState, error) {
	var state debuggers.RegistryState
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, errors.Wrapf(err, "parsing %v", path)
	}
	log.WithField("path", path).Debug("restored breakpoints and watches")
	return state, nil
}

// SaveState writes a registry snapshot.
func SaveState(path string, state debuggers.RegistryState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}
