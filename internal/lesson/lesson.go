// Package lesson loads the scripted lesson catalog.
package lesson

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lesson is a scripted teaching unit. Queries tagged with a lesson skip
// retrieval and answer from Document alone.
type Lesson struct {
	Tag        string `yaml:"tag"`
	Title      string `yaml:"title"`
	Document   string `yaml:"document"`
	ImageStyle string `yaml:"image_style"`
}

// Catalog is an immutable set of lessons keyed by tag.
type Catalog struct {
	lessons map[string]*Lesson
}

// NewCatalog builds a catalog from lessons. Duplicate or empty tags are rejected.
func NewCatalog(lessons ...*Lesson) (*Catalog, error) {
	c := &Catalog{lessons: make(map[string]*Lesson, len(lessons))}
	for _, l := range lessons {
		tag := strings.TrimSpace(l.Tag)
		if tag == "" {
			return nil, errors.New("lesson tag cannot be empty")
		}
		if _, dup := c.lessons[tag]; dup {
			return nil, fmt.Errorf("duplicate lesson tag %q", tag)
		}
		if strings.TrimSpace(l.Document) == "" {
			return nil, fmt.Errorf("lesson %q has no document", tag)
		}
		l.Tag = tag
		c.lessons[tag] = l
	}
	return c, nil
}

// Load reads every *.yaml and *.yml file in dir. A missing directory yields
// an empty catalog.
func Load(dir string) (*Catalog, error) {
	if dir == "" {
		return NewCatalog()
	}
	return LoadFS(os.DirFS(dir))
}

// LoadFS reads lesson files from the root of fsys.
func LoadFS(fsys fs.FS) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if errors.Is(err, fs.ErrNotExist) {
		return NewCatalog()
	}
	if err != nil {
		return nil, fmt.Errorf("read lessons: %w", err)
	}

	var lessons []*Lesson
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read lesson %s: %w", e.Name(), err)
		}
		var l Lesson
		if err := yaml.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("parse lesson %s: %w", e.Name(), err)
		}
		if l.Tag == "" {
			l.Tag = strings.TrimSuffix(e.Name(), ext)
		}
		lessons = append(lessons, &l)
	}
	return NewCatalog(lessons...)
}

// Get returns the lesson for tag.
func (c *Catalog) Get(tag string) (*Lesson, bool) {
	l, ok := c.lessons[strings.TrimSpace(tag)]
	return l, ok
}

// Tags returns the sorted lesson tags.
func (c *Catalog) Tags() []string {
	tags := make([]string, 0, len(c.lessons))
	for tag := range c.lessons {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Len returns the number of lessons.
func (c *Catalog) Len() int { return len(c.lessons) }
