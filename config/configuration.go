// Package config provides a versioned, environment-overridable YAML
// configuration for the quiclb command, mirroring the way the teacher
// repository's configuration package layers defaults, file contents,
// and environment variables into one struct.
package config

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"
)

// Configuration is a versioned quiclb configuration, provided by a yaml
// file and optionally overridden by environment variables.
//
// yaml field names should never include _ characters, since that is
// the separator used in environment variable names.
type Configuration struct {
	// Version is the version defining the format of the rest of the
	// configuration.
	Version Version `yaml:"version"`

	// Log configures the logging subsystem.
	Log Log `yaml:"log"`

	// Listen configures the public and backend network addresses.
	Listen Listen `yaml:"listen"`

	// TLS configures the server's certificate for the public listener.
	TLS TLS `yaml:"tls"`

	// Engine configures the per-connection send engine.
	Engine Engine `yaml:"engine"`

	// Debug configures the debug/metrics HTTP interface.
	Debug Debug `yaml:"debug,omitempty"`
}

// Log represents the configuration for logging within quiclb.
type Log struct {
	// Level is the granularity at which operations are logged.
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter overrides the default formatter with another. Options
	// include "text" and "json".
	Formatter string `yaml:"formatter,omitempty"`

	// Fields allows static string fields to be included in the logger
	// context.
	Fields map[string]interface{} `yaml:"fields,omitempty"`

	// ReportCaller includes the calling function in each log entry.
	ReportCaller bool `yaml:"reportcaller,omitempty"`
}

// Listen configures the addresses quiclb binds and dials.
type Listen struct {
	// Public is the bind address for the public-facing QUIC listener.
	// It is set only here or through QUICLB_LISTEN_PUBLIC; the quiclb
	// command has no -pub flag.
	Public string `yaml:"public"`

	// Backends lists the backend QUIC endpoints traffic is balanced
	// across. It is set only through the configuration; the quiclb
	// command has no -priv flag.
	Backends []string `yaml:"backends"`
}

// TLS configures the certificate the public listener presents.
type TLS struct {
	// Certificate specifies the path to an x509 certificate file.
	Certificate string `yaml:"certificate,omitempty"`

	// Key specifies the path to the certificate's private key file.
	Key string `yaml:"key,omitempty"`
}

// Engine configures the per-connection send engine, matching the
// configuration options table of the transport specification.
type Engine struct {
	// IdleTimeout closes a connection after this interval of inactivity.
	IdleTimeout time.Duration `yaml:"idletimeout,omitempty"`

	// MaxAckDelay is parsed but not passed to the engine, which always
	// uses a max_ack_delay of 25ms for its delayed-ack timer.
	MaxAckDelay time.Duration `yaml:"maxackdelay,omitempty"`

	// InitialMaxData seeds the connection-level flow control limit.
	InitialMaxData int64 `yaml:"initialmaxdata,omitempty"`

	// InitialMaxStreamsBidi seeds the bidirectional stream-id limit.
	InitialMaxStreamsBidi int64 `yaml:"initialmaxstreamsbidi,omitempty"`

	// InitialMaxStreamsUni seeds the unidirectional stream-id limit.
	InitialMaxStreamsUni int64 `yaml:"initialmaxstreamsuni,omitempty"`

	// PacingEnabled is parsed but not passed to the engine; outgoing
	// packets are always paced, whatever its value.
	PacingEnabled bool `yaml:"pacingenabled,omitempty"`

	// CongestionControl is checked when the configuration is parsed but
	// not passed to the engine, which always uses NewReno.
	CongestionControl CongestionControl `yaml:"congestioncontrol,omitempty"`

	// RequireAddressValidation enables the Retry round trip before the
	// handshake proceeds.
	RequireAddressValidation bool `yaml:"requireaddressvalidation,omitempty"`

	// StatelessResetKey is a 32-byte key, hex-encoded, used to derive
	// stateless reset tokens. If empty, stateless reset is disabled.
	StatelessResetKey string `yaml:"statelessresetkey,omitempty"`

	// KeepAlivePeriod, if nonzero, sends a keep-alive PING at this
	// interval to prevent idle connections from timing out.
	KeepAlivePeriod time.Duration `yaml:"keepaliveperiod,omitempty"`

	// PMTUMin is the floor of the path MTU discovery binary search. If
	// zero, the RFC 9000 minimum of 1200 is used.
	PMTUMin int `yaml:"pmtumin,omitempty"`

	// PMTUMax is the ceiling of the path MTU discovery binary search. If
	// zero or not greater than PMTUMin, PMTU discovery is disabled.
	PMTUMax int `yaml:"pmtumax,omitempty"`
}

// Debug configures quiclb's debug interface, including Prometheus
// metrics.
type Debug struct {
	// Addr specifies the bind address for the debug server.
	Addr string `yaml:"addr,omitempty"`

	// AccessLogDisabled turns off Apache-combined-format access logging
	// of debug-interface requests.
	AccessLogDisabled bool `yaml:"accesslogdisabled,omitempty"`

	// Prometheus configures the Prometheus telemetry endpoint.
	Prometheus Prometheus `yaml:"prometheus,omitempty"`
}

// Prometheus configures the Prometheus telemetry endpoint.
type Prometheus struct {
	// Enabled determines whether Prometheus telemetry is exposed.
	Enabled bool `yaml:"enabled,omitempty"`

	// Path specifies the URL path metrics are served on. Defaults to
	// "/metrics".
	Path string `yaml:"path,omitempty"`
}

// Loglevel is the level at which operations are logged: error, warn,
// info, or debug.
type Loglevel string

// UnmarshalYAML implements the yaml.Unmarshaler interface. It
// lowercases the string and validates that it names a valid loglevel.
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	s = strings.ToLower(s)
	switch s {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s. Must be one of [error, warn, info, debug]", s)
	}
	*loglevel = Loglevel(s)
	return nil
}

// CongestionControl names a congestion controller: new_reno, cubic, or
// bbr. The value is validated but not passed to the engine.
type CongestionControl string

const (
	CongestionControlNewReno CongestionControl = "new_reno"
	CongestionControlCubic   CongestionControl = "cubic"
	CongestionControlBBR     CongestionControl = "bbr"
)

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (cc *CongestionControl) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch CongestionControl(s) {
	case CongestionControlNewReno, CongestionControlCubic, CongestionControlBBR:
	default:
		return fmt.Errorf("invalid congestion control %q. Must be one of [new_reno, cubic, bbr]", s)
	}
	*cc = CongestionControl(s)
	return nil
}

// v0_1Configuration is a Version 0.1 Configuration struct, currently
// aliased to Configuration since it is the only supported version.
type v0_1Configuration Configuration

// UnmarshalYAML implements the yaml.Unmarshaler interface, validating
// that the version string is of the form Major.Minor.
func (version *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v := Version(s)
	if _, err := v.major(); err != nil {
		return err
	}
	if _, err := v.minor(); err != nil {
		return err
	}
	*version = v
	return nil
}

// CurrentVersion is the most recent Version that can be parsed.
var CurrentVersion = MajorMinorVersion(0, 1)

// Parse parses an input configuration yaml document into a
// Configuration struct, applying defaults and environment variable
// overrides along the way.
//
// Environment variables may be used to override configuration
// parameters other than version, following the scheme:
// Configuration.Abc may be replaced by QUICLB_ABC,
// Configuration.Abc.Xyz may be replaced by QUICLB_ABC_XYZ, and so forth.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("quiclb", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				v0_1, ok := c.(*v0_1Configuration)
				if !ok {
					return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
				}
				if v0_1.Log.Level == Loglevel("") {
					v0_1.Log.Level = Loglevel("info")
				}
				if v0_1.Engine.CongestionControl == CongestionControl("") {
					v0_1.Engine.CongestionControl = CongestionControlNewReno
				}
				if v0_1.Listen.Public == "" {
					return nil, errors.New("no public listen address configured")
				}
				return (*Configuration)(v0_1), nil
			},
		},
	})

	config := new(Configuration)
	if err := p.Parse(in, config); err != nil {
		return nil, err
	}
	return config, nil
}
