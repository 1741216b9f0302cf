package modconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

type Kind int

const (
	Persist Kind = iota
	Temp
)

func (k Kind) filename() string {
	if k == Temp {
		return "tmp.config"
	}
	return "persist.config"
}

func (k Kind) String() string {
	if k == Temp {
		return "temp"
	}
	return "persist"
}

// ManagePrefix marks config keys through which a module claims a kernel feature.
const ManagePrefix = "manage."

// ParseBool accepts "true" and "1", case insensitive.
func ParseBool(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "true") || v == "1"
}

// Store keeps the per module config files under a root directory, one subdirectory per module.
type Store struct {
	fs   vfs.FS
	root string
}

func NewStore(fs vfs.FS, root string) *Store {
	return &Store{fs: fs, root: root}
}

func (s *Store) path(id string, kind Kind) string {
	return filepath.Join(s.root, id, kind.filename())
}

func (s *Store) Load(id string, kind Kind) (map[string]string, error) {
	if err := schema.ValidateModuleID(id); err != nil {
		return nil, err
	}
	data, err := s.fs.ReadFile(s.path(id, kind))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path(id, kind), err)
	}
	return c, nil
}

// Save writes through a temp file and renames it over the target.
func (s *Store) Save(id string, kind Kind, c map[string]string) error {
	if err := schema.ValidateModuleID(id); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return err
	}
	if err := vfs.MkdirAll(s.fs, filepath.Join(s.root, id), 0o755); err != nil {
		return err
	}
	target := s.path(id, kind)
	tmp := strings.TrimSuffix(target, filepath.Ext(target)) + ".tmp"
	if err := s.fs.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, target, err)
	}
	utils.Log.Debug().Str("module", id).Int("count", len(c)).Str("kind", kind.String()).Msg("saved module config")
	return nil
}

func (s *Store) Set(id, key, value string, kind Kind) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateValue(value); err != nil {
		return err
	}
	c, err := s.Load(id, kind)
	if err != nil {
		return err
	}
	c[key] = value
	return s.Save(id, kind, c)
}

func (s *Store) Delete(id, key string, kind Kind) error {
	c, err := s.Load(id, kind)
	if err != nil {
		return err
	}
	if _, ok := c[key]; !ok {
		return fmt.Errorf("key '%s' not found in config", key)
	}
	delete(c, key)
	return s.Save(id, kind, c)
}

func (s *Store) Clear(id string, kind Kind) error {
	err := s.fs.Remove(s.path(id, kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Merged returns the persistent entries overridden by the temp ones.
func (s *Store) Merged(id string) (map[string]string, error) {
	if err := schema.ValidateModuleID(id); err != nil {
		return nil, err
	}
	merged, err := s.Load(id, Persist)
	if err != nil {
		utils.Log.Warn().Err(err).Str("module", id).Msg("loading persist config")
		merged = map[string]string{}
	}
	temp, err := s.Load(id, Temp)
	if err != nil {
		utils.Log.Warn().Err(err).Str("module", id).Msg("loading temp config")
	}
	for k, v := range temp {
		merged[k] = v
	}
	return merged, nil
}

func (s *Store) modules() ([]string, error) {
	entries, err := s.fs.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// All returns the merged config of every module that has one.
func (s *Store) All() (map[string]map[string]string, error) {
	ids, err := s.modules()
	if err != nil {
		return nil, err
	}
	all := map[string]map[string]string{}
	for _, id := range ids {
		c, err := s.Merged(id)
		if err != nil {
			utils.Log.Warn().Err(err).Str("module", id).Msg("loading module config")
			continue
		}
		if len(c) > 0 {
			all[id] = c
		}
	}
	return all, nil
}

// ClearAllTemp drops every temp config, it runs once per boot at post-fs-data.
func (s *Store) ClearAllTemp() error {
	ids, err := s.modules()
	if err != nil {
		return err
	}
	cleared := 0
	for _, id := range ids {
		err := s.fs.Remove(s.path(id, Temp))
		switch {
		case err == nil:
			cleared++
		case !errors.Is(err, fs.ErrNotExist):
			utils.Log.Warn().Err(err).Str("module", id).Msg("clearing temp config")
		}
	}
	if cleared > 0 {
		utils.Log.Debug().Int("count", cleared).Msg("cleared temp configs")
	}
	return nil
}

// ClearModule removes every config of a module, used on uninstall.
func (s *Store) ClearModule(id string) error {
	if err := schema.ValidateModuleID(id); err != nil {
		return err
	}
	return s.fs.RemoveAll(filepath.Join(s.root, id))
}

// ManagedFeatures lists, per module, the feature names claimed with a true "manage.<feature>" key.
func (s *Store) ManagedFeatures() (map[string][]string, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	managed := map[string][]string{}
	for id, c := range all {
		for k, v := range c {
			if name, ok := strings.CutPrefix(k, ManagePrefix); ok && ParseBool(v) {
				managed[id] = append(managed[id], name)
			}
		}
		sort.Strings(managed[id])
	}
	return managed, nil
}
