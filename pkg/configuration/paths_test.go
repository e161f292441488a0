package configuration

import (
	"path/filepath"
	"testing"
)

// TestGlobalConfigurationPath tests that GlobalConfigurationPath succeeds and
// returns a path to the expected file name.
func TestGlobalConfigurationPath(t *testing.T) {
	path, err := GlobalConfigurationPath()
	if err != nil {
		t.Fatal("unable to compute global configuration path:", err)
	}
	if !filepath.IsAbs(path) {
		t.Error("global configuration path is not absolute:", path)
	}
	if filepath.Base(path) != GlobalConfigurationName {
		t.Error("unexpected global configuration file name:", filepath.Base(path))
	}
}
