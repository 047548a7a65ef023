// Package shorttag reads the short tag of a project, an abbreviation included
// in the names of the cloud databases created for its tests so that forgotten,
// long-running instances can be traced back to their origin.
//
// Projects declare their tag as the first key of the error-tags mapping in
// error_code_config.yml:
//
//	error-tags:
//	  ABC:
//	    highest-index: 0
package shorttag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the name of the file declaring the tag.
	FileName = "error_code_config.yml"
	// StopFile marks the root of a module; the search never goes past it.
	StopFile = "go.mod"
	// EnvVar names the environment variable that overrides the file.
	EnvVar = "PROJECT_SHORT_TAG"
)

// MaxDatabaseNameLength is the longest database name the cloud service accepts.
const MaxDatabaseNameLength = 20

// Find looks for FileName in dir and its parents, stopping at the first
// directory that contains StopFile, and returns the tag it declares. Find
// returns an empty tag if no file was found, and an error if the file does not
// declare a tag.
func Find(dir string) (string, error) {
	name, err := findBackwards(dir)
	if err != nil || name == "" {
		return "", err
	}
	return read(name)
}

func findBackwards(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("find %s: %w", FileName, err)
	}
	for {
		name := filepath.Join(dir, FileName)
		if exists(name) {
			return name, nil
		}
		if exists(filepath.Join(dir, StopFile)) {
			return "", nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// read returns the first key of the error-tags mapping, in document order.
func read(name string) (string, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read short tag: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return "", fmt.Errorf("read short tag from %s: %w", name, err)
	}
	tags := lookup(&doc, "error-tags")
	if tags == nil || tags.Kind != yaml.MappingNode || len(tags.Content) == 0 {
		return "", fmt.Errorf("read short tag from %s: %w", name, errNoTags)
	}
	return tags.Content[0].Value, nil
}

var errNoTags = errors.New("no error-tags declared")

// lookup returns the value of key in the top-level mapping of doc.
func lookup(doc *yaml.Node, key string) *yaml.Node {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return nil
	}
	// Mapping nodes alternate between keys and values.
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// Resolve returns the tag given explicitly, falling back to the EnvVar
// environment variable and then to the file found from dir.
func Resolve(explicit, dir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if tag := os.Getenv(EnvVar); tag != "" {
		return tag, nil
	}
	return Find(dir)
}

// DatabaseName returns a name for a database created at the given time,
// composed of the Unix time, the tag and the owner, cut to
// MaxDatabaseNameLength characters.
func DatabaseName(tag, owner string, now time.Time) string {
	name := strconv.FormatInt(now.Unix(), 10) + tag
	if owner != "" {
		name += "-" + owner
	}
	if runes := []rune(name); len(runes) > MaxDatabaseNameLength {
		name = string(runes[:MaxDatabaseNameLength])
	}
	return name
}

// Owner returns the name of the user running the tests, or an empty string.
func Owner() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
