package modconfig

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/kernelsu/ksud/internal/constants"
)

const (
	Magic   uint32 = 0x4B53554D // "KSUM"
	Version uint32 = 1

	MaxKeyLen   = 256
	MaxValueLen = 1024 * 1024
	MaxEntries  = 32
)

var keyRe = regexp.MustCompile(constants.ModuleIDPattern)

func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("config key cannot be empty")
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("config key too long: %d bytes (max: %d)", len(key), MaxKeyLen)
	}
	if !keyRe.MatchString(key) {
		return fmt.Errorf("invalid config key: '%s', must match %s", key, constants.ModuleIDPattern)
	}
	return nil
}

func ValidateValue(value string) error {
	if len(value) > MaxValueLen {
		return fmt.Errorf("config value too long: %d bytes (max: %d)", len(value), MaxValueLen)
	}
	return nil
}

// Validate checks every limit of the on-disk format.
func Validate(c map[string]string) error {
	if len(c) > MaxEntries {
		return fmt.Errorf("too many config entries: %d (max: %d)", len(c), MaxEntries)
	}
	for k, v := range c {
		if err := ValidateKey(k); err != nil {
			return err
		}
		if err := ValidateValue(v); err != nil {
			return fmt.Errorf("invalid config value for key '%s': %w", k, err)
		}
	}
	return nil
}

// Encode writes c sorted by key so equal maps produce equal files.
func Encode(w io.Writer, c map[string]string) error {
	if err := Validate(c); err != nil {
		return err
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, [3]uint32{Magic, Version, uint32(len(c))})
	for _, k := range keys {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(k)))
		buf.WriteString(k)
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(c[k])))
		buf.WriteString(c[k])
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func Decode(r io.Reader) (map[string]string, error) {
	br := bufio.NewReader(r)
	var header [3]uint32
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading config header: %w", err)
	}
	if header[0] != Magic {
		return nil, fmt.Errorf("invalid config magic: expected 0x%08x, got 0x%08x", Magic, header[0])
	}
	if header[1] != Version {
		return nil, fmt.Errorf("unsupported config version: expected %d, got %d", Version, header[1])
	}
	if header[2] > MaxEntries {
		return nil, fmt.Errorf("too many config entries: %d (max: %d)", header[2], MaxEntries)
	}
	c := make(map[string]string, header[2])
	for i := uint32(0); i < header[2]; i++ {
		key, err := readString(br, MaxKeyLen)
		if err != nil {
			return nil, fmt.Errorf("reading key of entry %d: %w", i, err)
		}
		value, err := readString(br, MaxValueLen)
		if err != nil {
			return nil, fmt.Errorf("reading value of entry %d: %w", i, err)
		}
		c[key] = value
	}
	return c, nil
}

func readString(r io.Reader, limit uint32) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > limit {
		return "", fmt.Errorf("length %d over limit %d", n, limit)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
