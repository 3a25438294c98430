// Package config loads the small set of environment-driven knobs
// cmd/jitlink needs. The library packages (graph, reloc,
// internal/relocparser, internal/gotstubs, internal/fixup, and the
// jitlink package itself) never read the environment directly — a
// linker core embedded in a host toolchain takes its options as plain
// Go constructor arguments, matching the layering blacktop/ipsw uses
// between its internal/config package and the libraries it wraps.
package config

import (
	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"
)

// Config holds cmd/jitlink's runtime configuration, populated once at
// startup from JITLINK_-prefixed environment variables.
type Config struct {
	// Debug turns on Debug-level apex/log tracing for every phase.
	Debug bool `env:"DEBUG" envDefault:"false"`
	// MarkAllLive makes hostContext.MarkLivePass explicitly supply
	// jitlink.MarkAllSymbolsLive instead of declining to name a pass,
	// useful for exercising a link with no dead-stripping collaborator
	// wired up yet.
	MarkAllLive bool `env:"MARK_ALL_LIVE" envDefault:"true"`
	// Exec enables the build-tag-gated `jitlink exec` subcommand's
	// unicorn-engine execution path. Ignored in a build without the
	// unicorn tag.
	Exec bool `env:"EXEC" envDefault:"false"`
	// StackSize is the guest stack size, in bytes, reserved for `jitlink
	// exec` runs.
	StackSize uint64 `env:"EXEC_STACK_SIZE" envDefault:"1048576"`
}

// Load reads Config from the environment, prefixing every variable name
// with JITLINK_ (so JITLINK_DEBUG, JITLINK_MARK_ALL_LIVE, and so on).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "JITLINK_"}); err != nil {
		return nil, errors.Wrap(err, "config: failed to parse environment")
	}
	return cfg, nil
}
