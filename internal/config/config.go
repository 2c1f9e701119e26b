// Package config loads node configuration from YAML or CUE files and
// validates it against an embedded CUE schema that also supplies the
// defaults.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Format is the syntax of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend     string `json:"backend"`
	Path        string `json:"path,omitempty"`
	Compression string `json:"compression"`
}

// PeerConfig is a peer to dial at startup.
type PeerConfig struct {
	URL  string `json:"url"`
	Role string `json:"role"`
}

// Config is a validated node configuration.
type Config struct {
	Listen          string
	Codec           string
	AgentSecretFile string
	Storage         StorageConfig
	Peers           []PeerConfig
	PingInterval    time.Duration
	PingTimeout     time.Duration
	LoadRetries     int
	RetryDelay      time.Duration
	LogLevel        slog.Level
	Metrics         bool
}

// raw mirrors the schema; durations and levels are still text.
type raw struct {
	Listen          string        `json:"listen"`
	Codec           string        `json:"codec"`
	AgentSecretFile string        `json:"agentSecretFile"`
	Storage         StorageConfig `json:"storage"`
	Peers           []PeerConfig  `json:"peers"`
	Ping            struct {
		Interval string `json:"interval"`
		Timeout  string `json:"timeout"`
	} `json:"ping"`
	Load struct {
		Retries    int    `json:"retries"`
		RetryDelay string `json:"retryDelay"`
	} `json:"load"`
	LogLevel string `json:"logLevel"`
	Metrics  bool   `json:"metrics"`
}

// Error is a configuration error with the offending field and, when the
// input came from a file, its position.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError turns the first CUE error into an *Error.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	field := strings.Join(cueerrors.Path(first), ".")
	if field == "" {
		field = "config"
	}
	format, args := first.Msg()
	out := &Error{Field: field, Message: fmt.Sprintf(format, args...)}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		out.Pos = positions[0]
	}
	return out
}

func schema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath("#Config")), nil
}

// Default returns the configuration with every field at its default.
func Default() Config {
	cfg, err := Parse([]byte("{}"), FormatCUE, "default")
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// Load reads and validates a configuration file. The format follows the
// extension: .yaml and .yml are YAML, .cue is CUE.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var format Format
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".cue":
		format = FormatCUE
	default:
		return Config{}, fmt.Errorf("read config %s: unsupported extension %q", path, ext)
	}
	return Parse(data, format, path)
}

// Parse validates configuration source against the schema and fills in
// defaults. Unknown fields are errors.
func Parse(data []byte, format Format, filename string) (Config, error) {
	ctx := cuecontext.New()
	def, err := schema(ctx)
	if err != nil {
		return Config{}, err
	}

	var input cue.Value
	switch format {
	case FormatCUE:
		input = ctx.CompileBytes(data, cue.Filename(filename))
	case FormatYAML:
		var doc map[string]any
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse %s: %w", filename, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		input = ctx.Encode(doc)
	default:
		return Config{}, fmt.Errorf("parse %s: unknown format %q", filename, format)
	}
	if err := input.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}

	unified := def.Unify(input)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, formatCUEError(err)
	}
	var r raw
	if err := unified.Decode(&r); err != nil {
		return Config{}, formatCUEError(err)
	}
	return r.resolve()
}

func (r raw) resolve() (Config, error) {
	cfg := Config{
		Listen:          r.Listen,
		Codec:           r.Codec,
		AgentSecretFile: r.AgentSecretFile,
		Storage:         r.Storage,
		Peers:           r.Peers,
		LoadRetries:     r.Load.Retries,
		Metrics:         r.Metrics,
	}
	durations := []struct {
		field string
		text  string
		into  *time.Duration
	}{
		{"ping.interval", r.Ping.Interval, &cfg.PingInterval},
		{"ping.timeout", r.Ping.Timeout, &cfg.PingTimeout},
		{"load.retryDelay", r.Load.RetryDelay, &cfg.RetryDelay},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.text)
		if err != nil {
			return Config{}, &Error{Field: d.field, Message: err.Error()}
		}
		*d.into = parsed
	}
	if cfg.PingTimeout <= cfg.PingInterval {
		return Config{}, &Error{Field: "ping.timeout", Message: "must be longer than ping.interval"}
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(r.LogLevel)); err != nil {
		return Config{}, &Error{Field: "logLevel", Message: err.Error()}
	}
	return cfg, nil
}
