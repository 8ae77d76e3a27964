// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sni maps TLS server names to passthrough backends. The table is
// read from a YAML file and can be reloaded whenever the file changes.
//
// A table file looks like:
//
//	default: tcp://fallback.internal:443
//	routes:
//	  - host: api.example.com
//	    backend: tcp://10.0.0.5:8443
//	  - host: "*.iot.example.com"
//	    backend: tcp://mqtt-tls.internal:8883
//
// Exact host names win over wildcard patterns ("*.example.com", "api.*",
// "*"), which are tried in file order.
// A backend without a scheme is a plain TCP address.
package sni

import (
	"fmt"
	"os"
	"strings"

	"github.com/absmach/protomux/pkg/matcher"
	"github.com/absmach/protomux/pkg/pool"
	"gopkg.in/yaml.v3"
)

// Route is one entry of the table file.
type Route struct {
	Host    string `yaml:"host"`
	Backend string `yaml:"backend"`
}

// File is the YAML layout of a table.
type File struct {
	Default string  `yaml:"default"`
	Routes  []Route `yaml:"routes"`
}

type wildcard struct {
	pattern string
	key     pool.Key
}

// Table resolves server names to backends. It is immutable once built and
// safe for concurrent use.
type Table struct {
	exact     map[string]pool.Key
	wildcards []wildcard
	def       *pool.Key
}

// Parse builds a table from YAML.
func Parse(data []byte) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sni table: %w", err)
	}
	return New(f)
}

// Load reads and parses the table file at path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// New validates f and builds its table.
func New(f File) (*Table, error) {
	t := &Table{exact: make(map[string]pool.Key, len(f.Routes))}
	for i, r := range f.Routes {
		host := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(r.Host), "."))
		if host == "" {
			return nil, fmt.Errorf("route %d: empty host", i)
		}
		key, err := ParseBackend(r.Backend)
		if err != nil {
			return nil, fmt.Errorf("route %d (%s): %w", i, host, err)
		}
		if strings.Contains(host, "*") {
			t.wildcards = append(t.wildcards, wildcard{pattern: host, key: key})
			continue
		}
		if _, dup := t.exact[host]; dup {
			return nil, fmt.Errorf("route %d: duplicate host %s", i, host)
		}
		t.exact[host] = key
	}
	if f.Default != "" {
		key, err := ParseBackend(f.Default)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		t.def = &key
	}
	return t, nil
}

// ParseBackend parses scheme://host:port, or host:port as tcp.
func ParseBackend(s string) (pool.Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pool.Key{}, fmt.Errorf("empty backend")
	}
	if !strings.Contains(s, "://") {
		s = "tcp://" + s
	}
	return pool.ParseKey(s)
}

// Lookup returns the backend for serverName. An empty or unknown name gets
// the default backend, if any.
func (t *Table) Lookup(serverName string) (pool.Key, bool) {
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))
	if name != "" {
		if key, ok := t.exact[name]; ok {
			return key, true
		}
		for _, w := range t.wildcards {
			if matcher.MatchDomain(w.pattern, name) {
				return w.key, true
			}
		}
	}
	if t.def != nil {
		return *t.def, true
	}
	return pool.Key{}, false
}

// Len returns the number of routes, not counting the default.
func (t *Table) Len() int {
	return len(t.exact) + len(t.wildcards)
}
