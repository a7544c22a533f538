package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdlink.log")
	c, err := Setup("debug", path)
	require.NoError(t, err)
	defer func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
	}()
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	logrus.WithFields(logrus.Fields{"component": "test"}).Debug("hello")
	require.NoError(t, c.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")
	assert.Contains(t, string(b), "component=test")
}

func TestSetupBadLevel(t *testing.T) {
	_, err := Setup("chatty", "")
	assert.Error(t, err)
}

func TestSetupStderr(t *testing.T) {
	c, err := Setup("info", "")
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
