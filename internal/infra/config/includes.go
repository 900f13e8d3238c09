package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeWalker overlays include files onto a config. Every include must
// live under root, the main config file's directory. chain holds the
// files currently being expanded; a file may appear in several branches
// but never twice in one chain.
type includeWalker struct {
	root  string
	chain []string
}

func newIncludeWalker(mainFile string) *includeWalker {
	return &includeWalker{root: filepath.Dir(mainFile), chain: []string{mainFile}}
}

// apply consumes cfg.Includes, relative to the innermost file in the chain.
func (w *includeWalker) apply(cfg *Config) error {
	if len(w.chain) > maxIncludeDepth {
		return fmt.Errorf("config includes: nested deeper than %d", maxIncludeDepth)
	}
	dir := filepath.Dir(w.chain[len(w.chain)-1])
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := w.expand(pattern, dir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := w.overlay(cfg, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// expand resolves a literal path or glob. A glob that matches nothing
// yields no files; a missing literal path fails when it is read.
func (w *includeWalker) expand(pattern, dir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)
	if rel, err := filepath.Rel(w.root, pattern); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("config includes: %q escapes %s", pattern, w.root)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: bad pattern %q: %w", pattern, err)
	}
	return matches, nil
}

func (w *includeWalker) overlay(cfg *Config, path string) error {
	if slices.Contains(w.chain, path) {
		return fmt.Errorf("config includes: circular include %s", strings.Join(append(w.chain, path), " -> "))
	}
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %s: %w", path, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}

	w.chain = append(w.chain, path)
	defer func() { w.chain = w.chain[:len(w.chain)-1] }()
	return w.apply(cfg)
}
