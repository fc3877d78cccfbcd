// Package catalog maps table names to their schemas and persists them to
// catalog.yaml in the data directory.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/sys"
	"gopkg.in/yaml.v3"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	ErrInvalidSchema = errors.New("invalid schema")
	ErrArity         = errors.New("wrong number of values")
	ErrInvalidValue  = errors.New("invalid value")
)

const fileVersion = 1

type catalogFile struct {
	Version     int      `yaml:"version"`
	NextTableID uint32   `yaml:"next_table_id"`
	Tables      []*Table `yaml:"tables"`
}

// Catalog holds table definitions. Table ids are never reused, so rows of a
// dropped table can never be mistaken for rows of a new one.
type Catalog struct {
	mu     sync.RWMutex
	path   string
	tables map[string]*Table
	nextID uint32
	logger *slog.Logger
}

// Open loads the catalog stored in dir, or starts an empty one. An empty dir
// keeps the catalog in memory only.
func Open(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Catalog{
		tables: make(map[string]*Table),
		nextID: 1,
		logger: logger.With("component", "Catalog"),
	}
	if dir == "" {
		return c, nil
	}
	c.path = filepath.Join(dir, core.CatalogFileName)
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: catalog %s: %v", core.ErrCorrupted, c.path, err)
	}
	if file.Version != fileVersion {
		return nil, fmt.Errorf("%w: catalog version %d is not supported", core.ErrCorrupted, file.Version)
	}
	for _, t := range file.Tables {
		if err := t.init(); err != nil {
			return nil, fmt.Errorf("%w: catalog table %s: %v", core.ErrCorrupted, t.Name, err)
		}
		if t.ID >= file.NextTableID {
			return nil, fmt.Errorf("%w: table %s id %d is not below next id %d", core.ErrCorrupted, t.Name, t.ID, file.NextTableID)
		}
		c.tables[strings.ToLower(t.Name)] = t
	}
	c.nextID = file.NextTableID
	c.logger.Info("Catalog loaded", "path", c.path, "tables", len(c.tables))
	return c, nil
}

// NewInMemory returns a catalog that is never persisted.
func NewInMemory() *Catalog {
	c, _ := Open("", nil)
	return c
}

// CreateTable adds a table and assigns it the next id.
func (c *Catalog) CreateTable(name string, columns []Column) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := c.tables[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	t := &Table{ID: c.nextID, Name: name, Columns: append([]Column(nil), columns...)}
	if err := t.init(); err != nil {
		return nil, err
	}
	c.tables[key] = t
	c.nextID++
	if err := c.saveLocked(); err != nil {
		delete(c.tables, key)
		c.nextID--
		return nil, err
	}
	c.logger.Info("Table created", "table", name, "id", t.ID, "columns", len(columns))
	return t, nil
}

// DropTable removes a table and returns its definition so the caller can
// delete its rows.
func (c *Catalog) DropTable(name string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	t, ok := c.tables[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	delete(c.tables, key)
	if err := c.saveLocked(); err != nil {
		c.tables[key] = t
		return nil, err
	}
	c.logger.Info("Table dropped", "table", name, "id", t.ID)
	return t, nil
}

// SchemaOf returns the definition of a table. Callers must not modify it.
func (c *Catalog) SchemaOf(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// Validate checks a full row against a table's schema.
func (c *Catalog) Validate(name string, row core.Row) error {
	t, err := c.SchemaOf(name)
	if err != nil {
		return err
	}
	return t.Validate(row)
}

// Tables lists all tables ordered by name.
func (c *Catalog) Tables() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) saveLocked() error {
	if c.path == "" {
		return nil
	}
	file := catalogFile{Version: fileVersion, NextTableID: c.nextID}
	for _, t := range c.tables {
		file.Tables = append(file.Tables, t)
	}
	sort.Slice(file.Tables, func(i, j int) bool { return file.Tables[i].ID < file.Tables[j].ID })
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := sys.WriteFileAtomic(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}
