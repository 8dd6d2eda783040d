// Package providers holds per-provider defaults and folder names so that the
// rest of the system never guesses folder names on its own.
package providers

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed providers.yaml
var embeddedTable []byte

// GenericKey is the fallback provider.
const GenericKey = "generic"

// Endpoint is a default server address for a provider.
type Endpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Security string `yaml:"security"`
}

// Provider is one row of the capability table.
type Provider struct {
	Key     string   `yaml:"key"`
	Domains []string `yaml:"domains"`
	IMAP    Endpoint `yaml:"imap"`
	SMTP    Endpoint `yaml:"smtp"`
	Folders struct {
		Sent  string `yaml:"sent"`
		Trash string `yaml:"trash"`
	} `yaml:"folders"`
	Idle          bool `yaml:"idle"`
	Thread        bool `yaml:"thread"`
	MaxRecipients int  `yaml:"max_recipients"`
}

// Table is the loaded capability table.
type Table struct {
	byKey    map[string]*Provider
	byDomain map[string]*Provider
}

type tableFile struct {
	Providers []Provider `yaml:"providers"`
}

// Load reads the embedded table, replaced row by row by overridePath when set.
func Load(overridePath string) (*Table, error) {
	t, err := parse(embeddedTable)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded provider table: %w", err)
	}

	if overridePath == "" {
		return t, nil
	}

	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider table %s: %w", overridePath, err)
	}
	override, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse provider table %s: %w", overridePath, err)
	}
	for key, p := range override.byKey {
		t.byKey[key] = p
	}
	for domain, p := range override.byDomain {
		t.byDomain[domain] = p
	}
	return t, nil
}

// Default returns the embedded table. It panics only if the embedded file is broken.
func Default() *Table {
	t, err := parse(embeddedTable)
	if err != nil {
		panic(err)
	}
	return t
}

func parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	t := &Table{byKey: make(map[string]*Provider), byDomain: make(map[string]*Provider)}
	for i := range f.Providers {
		p := &f.Providers[i]
		key := strings.ToLower(strings.TrimSpace(p.Key))
		if key == "" {
			return nil, fmt.Errorf("provider #%d has no key", i+1)
		}
		p.Key = key
		t.byKey[key] = p
		for _, d := range p.Domains {
			t.byDomain[strings.ToLower(d)] = p
		}
	}
	return t, nil
}

// Lookup returns the provider for key, falling back to generic.
func (t *Table) Lookup(key string) *Provider {
	if p, ok := t.byKey[strings.ToLower(strings.TrimSpace(key))]; ok {
		return p
	}
	if p, ok := t.byKey[GenericKey]; ok {
		return p
	}
	return &Provider{Key: GenericKey}
}

// Detect guesses the provider key from an email address domain.
func (t *Table) Detect(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return GenericKey
	}
	if p, ok := t.byDomain[strings.ToLower(email[at+1:])]; ok {
		return p.Key
	}
	return GenericKey
}

// FolderResolver answers folder and capability questions for one account.
type FolderResolver interface {
	Sent() string
	Trash() string
	SupportsIdle() bool
	SupportsThread() bool
}

// Resolver builds the FolderResolver for a provider key.
func (t *Table) Resolver(key string) FolderResolver {
	return resolver{p: t.Lookup(key)}
}

type resolver struct {
	p *Provider
}

func (r resolver) Sent() string {
	if r.p.Folders.Sent == "" {
		return "Sent"
	}
	return r.p.Folders.Sent
}

func (r resolver) Trash() string {
	if r.p.Folders.Trash == "" {
		return "Trash"
	}
	return r.p.Folders.Trash
}

func (r resolver) SupportsIdle() bool   { return r.p.Idle }
func (r resolver) SupportsThread() bool { return r.p.Thread }
