package store

import (
	"os"
	"strconv"
)

const (
	// DefaultMaxPayloadSize caps a single resource payload. Large
	// binaries belong elsewhere; the store is for state documents.
	DefaultMaxPayloadSize = 4 << 20

	// DefaultMaxCASRetries bounds the rebase-and-retry loop of the
	// store-level convenience operations when the version label moves
	// under them. Transactions themselves never retry.
	DefaultMaxCASRetries = 3
)

// Config holds the store configuration. Zero values fall back to
// GITSTATE_* environment variables, then to defaults.
type Config struct {
	// Path is the repository location of the object store. Ignored
	// when the store is opened over an existing adapter.
	Path string

	// Actor is recorded in snapshot provenance as the acting identity.
	Actor string

	// Email is the contact recorded on snapshot commits.
	Email string

	// Workdir anchors the ambient-repository provenance probe.
	// Defaults to the process working directory.
	Workdir string

	// MaxPayloadSize caps resource payload bytes; larger saves fail
	// with OversizedError before anything is written.
	MaxPayloadSize int64

	// MaxCASRetries bounds label-race retries in Save/Delete/Rollback.
	MaxCASRetries int
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = os.Getenv("GITSTATE_REPOSITORY")
	}
	if c.Actor == "" {
		c.Actor = os.Getenv("GITSTATE_ACTOR")
	}
	if c.Actor == "" {
		c.Actor = os.Getenv("USER")
	}
	if c.Actor == "" {
		c.Actor = "unknown"
	}
	if c.Email == "" {
		c.Email = os.Getenv("GITSTATE_EMAIL")
	}
	if c.Email == "" {
		c.Email = c.Actor + "@gitstate"
	}
	if c.Workdir == "" {
		c.Workdir, _ = os.Getwd()
	}
	if c.MaxPayloadSize == 0 {
		if v, err := strconv.ParseInt(os.Getenv("GITSTATE_MAX_PAYLOAD"), 10, 64); err == nil && v > 0 {
			c.MaxPayloadSize = v
		} else {
			c.MaxPayloadSize = DefaultMaxPayloadSize
		}
	}
	if c.MaxCASRetries == 0 {
		if v, err := strconv.Atoi(os.Getenv("GITSTATE_CAS_RETRIES")); err == nil && v > 0 {
			c.MaxCASRetries = v
		} else {
			c.MaxCASRetries = DefaultMaxCASRetries
		}
	}
}
