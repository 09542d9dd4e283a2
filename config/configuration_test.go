package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
version: 0.1
listen:
  public: ":4433"
  backends:
    - "10.0.0.1:4433"
    - "10.0.0.2:4433"
`

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse(strings.NewReader(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":4433", cfg.Listen.Public)
	assert.Equal(t, []string{"10.0.0.1:4433", "10.0.0.2:4433"}, cfg.Listen.Backends)

	// Parse applies defaults for unset fields.
	assert.Equal(t, Loglevel("info"), cfg.Log.Level)
	assert.Equal(t, CongestionControlNewReno, cfg.Engine.CongestionControl)
}

func TestParseRequiresPublicListener(t *testing.T) {
	_, err := Parse(strings.NewReader("version: 0.1\n"))
	assert.Error(t, err)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	_, err := Parse(strings.NewReader("version: 9.9\nlisten:\n  public: \":4433\"\n"))
	assert.Error(t, err)
}

func TestParseRejectsInvalidLoglevel(t *testing.T) {
	_, err := Parse(strings.NewReader(`
version: 0.1
listen:
  public: ":4433"
log:
  level: deafening
`))
	assert.Error(t, err)
}

func TestParseRejectsInvalidCongestionControl(t *testing.T) {
	_, err := Parse(strings.NewReader(`
version: 0.1
listen:
  public: ":4433"
engine:
  congestioncontrol: quantum
`))
	assert.Error(t, err)
}

func TestParseEnvironmentOverride(t *testing.T) {
	require.NoError(t, os.Setenv("QUICLB_LISTEN_PUBLIC", ":9999"))
	defer os.Unsetenv("QUICLB_LISTEN_PUBLIC")

	cfg, err := Parse(strings.NewReader(minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen.Public)
}

func TestVersionMajorMinor(t *testing.T) {
	v := MajorMinorVersion(0, 1)
	assert.EqualValues(t, 0, v.Major())
	assert.EqualValues(t, 1, v.Minor())
}
