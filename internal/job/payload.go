// Package job turns queue payloads into the build and config jobs a worker
// runs against a VM session.
package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ID is a job identifier. Producers send it as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Payload is the message a job is built from.
type Payload struct {
	Build      Build      `json:"build"`
	Repository Repository `json:"repository"`
}

type Build struct {
	ID     ID     `json:"id"`
	Commit string `json:"commit"`
	Branch string `json:"branch,omitempty"`
	// Config is the already evaluated .travis.yml. Its presence makes the
	// payload a build job.
	Config json.RawMessage `json:"config,omitempty"`
}

type Repository struct {
	Slug string `json:"slug"`
	// URL overrides the clone URL derived from Slug.
	URL string `json:"source_url,omitempty"`
}

// CloneURL is where the repository is fetched from.
func (r Repository) CloneURL() string {
	if r.URL != "" {
		return r.URL
	}
	return "https://github.com/" + r.Slug + ".git"
}

// Decode parses a JSON payload and checks the fields every job needs.
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.Build.ID == "" {
		return nil, fmt.Errorf("decode payload: build.id is required")
	}
	if strings.TrimSpace(p.Repository.Slug) == "" && p.Repository.URL == "" {
		return nil, fmt.Errorf("decode payload: repository.slug is required")
	}
	return &p, nil
}

// HasConfig reports whether build.config was sent, even if empty.
func (p *Payload) HasConfig() bool {
	return len(bytes.TrimSpace(p.Build.Config)) > 0
}

// Type names which driver handles a payload.
type Type string

const (
	TypeBuild  Type = "build"
	TypeConfig Type = "config"
)

// Classify picks the driver: payloads carrying build.config are builds, all
// others still need their configuration fetched.
func Classify(p *Payload) Type {
	if p.HasConfig() {
		return TypeBuild
	}
	return TypeConfig
}

// Lines is a config value given either as one command or a list of them.
type Lines []string

func (l *Lines) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*l = nil
		return nil
	case len(b) > 0 && b[0] == '[':
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = Lines{s}
		return nil
	}
}

// BuildConfig is the part of .travis.yml the build driver acts on.
type BuildConfig struct {
	Env           Lines `json:"env"`
	BeforeInstall Lines `json:"before_install"`
	Install       Lines `json:"install"`
	BeforeScript  Lines `json:"before_script"`
	Script        Lines `json:"script"`
	AfterScript   Lines `json:"after_script"`
}

// BuildConfig decodes build.config.
func (p *Payload) BuildConfig() (BuildConfig, error) {
	var cfg BuildConfig
	if !p.HasConfig() {
		return cfg, nil
	}
	if err := json.Unmarshal(p.Build.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("decode build config: %w", err)
	}
	return cfg, nil
}
