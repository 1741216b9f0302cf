package feature

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/twpayne/go-vfs/v4"
)

const (
	Magic   uint32 = 0x7F4B5355
	Version uint32 = 1

	headerSize = 12
	entrySize  = 12
)

type ID uint32

const (
	SuCompat         ID = 0
	KernelUmount     ID = 1
	EnhancedSecurity ID = 2
)

// Known lists every feature the runtime knows about, in id order.
func Known() []ID {
	return []ID{SuCompat, KernelUmount, EnhancedSecurity}
}

func (id ID) String() string {
	switch id {
	case SuCompat:
		return "su_compat"
	case KernelUmount:
		return "kernel_umount"
	case EnhancedSecurity:
		return "enhanced_security"
	}
	return strconv.FormatUint(uint64(id), 10)
}

func (id ID) Description() string {
	switch id {
	case SuCompat:
		return "SU compatibility mode, authorized apps may gain root through the su command"
	case KernelUmount:
		return "Kernel umount, the kernel unmounts module files for apps that should not see them"
	case EnhancedSecurity:
		return "Enhanced security, disables non-KSU root elevation and unauthorized uid downgrades"
	}
	return ""
}

// Parse accepts a feature name or its numeric id.
func Parse(name string) (ID, error) {
	n, numErr := strconv.ParseUint(name, 10, 32)
	for _, id := range Known() {
		if name == id.String() || (numErr == nil && ID(n) == id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown feature: %s", name)
}

// Config maps feature ids to their values.
type Config map[ID]uint64

func (c Config) ids() []ID {
	ids := make([]ID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Encode writes c in the feature-config framing, entries sorted by id.
func Encode(w io.Writer, c Config) error {
	buf := bytes.NewBuffer(make([]byte, 0, headerSize+entrySize*len(c)))
	_ = binary.Write(buf, binary.LittleEndian, [3]uint32{Magic, Version, uint32(len(c))})
	for _, id := range c.ids() {
		_ = binary.Write(buf, binary.LittleEndian, uint32(id))
		_ = binary.Write(buf, binary.LittleEndian, c[id])
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func Decode(r io.Reader) (Config, error) {
	var header [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading feature config header: %w", err)
	}
	if header[0] != Magic {
		return nil, fmt.Errorf("invalid feature config magic: expected 0x%08x, got 0x%08x", Magic, header[0])
	}
	if header[1] != Version {
		utils.Log.Warn().Uint32("expected", Version).Uint32("got", header[1]).Msg("feature config version mismatch")
	}
	c := Config{}
	for i := uint32(0); i < header[2]; i++ {
		var id uint32
		var value uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, fmt.Errorf("reading feature id %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return nil, fmt.Errorf("reading feature value %d: %w", i, err)
		}
		c[ID(id)] = value
	}
	return c, nil
}

// Load reads the config at path. A missing file yields an empty config.
func Load(fsys vfs.FS, path string) (Config, error) {
	data, err := fsys.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		utils.Log.Info().Msg("feature config not found, using defaults")
		return Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data))
}

func Save(fsys vfs.FS, path string, c Config) error {
	if err := vfs.MkdirAll(fsys, filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return err
	}
	if err := fsys.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return err
	}
	utils.Log.Info().Int("count", len(c)).Msg("saved feature config")
	return nil
}

// Apply pushes every entry to the kernel. Failures are logged, the rest is still applied.
func Apply(s driver.Session, c Config) error {
	var result error
	applied := 0
	for _, id := range c.ids() {
		if err := s.SetFeature(uint32(id), c[id]); err != nil {
			utils.Log.Warn().Err(err).Str("feature", id.String()).Msg("setting feature")
			result = multierror.Append(result, fmt.Errorf("%s: %w", id, err))
			continue
		}
		utils.Log.Info().Str("feature", id.String()).Uint64("value", c[id]).Msg("feature set")
		applied++
	}
	utils.Log.Info().Int("applied", applied).Msg("feature config applied")
	return result
}

// Snapshot reads the current value of every known feature the kernel supports.
func Snapshot(s driver.Session) Config {
	c := Config{}
	for _, id := range Known() {
		v, ok, err := s.GetFeature(uint32(id))
		if err != nil || !ok {
			continue
		}
		c[id] = v
	}
	return c
}

// Init applies the saved config at post-fs-data. Features listed in managed are forced to 0
// and the resulting config is written back.
func Init(fsys vfs.FS, path string, s driver.Session, managed map[string][]string) error {
	c, err := Load(fsys, path)
	if err != nil {
		return err
	}
	for module, names := range managed {
		for _, name := range names {
			id, err := Parse(name)
			if err != nil {
				utils.Log.Warn().Str("module", module).Str("feature", name).Msg("unknown managed feature, ignoring")
				continue
			}
			utils.Log.Info().Str("module", module).Str("feature", name).Msg("forcing managed feature to 0")
			c[id] = 0
		}
	}
	if len(c) == 0 {
		utils.Log.Info().Msg("no features to apply")
		return nil
	}
	if err := Apply(s, c); err != nil {
		utils.Log.Warn().Err(err).Msg("some features were not applied")
	}
	return Save(fsys, path, c)
}
