package loader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// SymbolMap maps kernel symbol names to their addresses.
type SymbolMap map[string]uint64

// ParseKallsyms reads /proc/kallsyms formatted lines. Compiler suffixes starting at
// "$" or ".llvm." are cut so the names match the ones a module references.
func ParseKallsyms(r io.Reader) (SymbolMap, error) {
	syms := SymbolMap{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		syms[normalizeSymbol(fields[2])] = addr
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading kallsyms: %w", err)
	}
	return syms, nil
}

func normalizeSymbol(name string) string {
	if i := strings.Index(name, "$"); i >= 0 {
		return name[:i]
	}
	if i := strings.Index(name, ".llvm."); i >= 0 {
		return name[:i]
	}
	return name
}

// KptrGuard holds kptr_restrict at 1 so kallsyms shows real addresses to root.
// Restore puts the previous value back.
type KptrGuard struct {
	path  string
	value []byte
}

func RaiseKptrRestrict(path string) (*KptrGuard, error) {
	value, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
		return nil, err
	}
	return &KptrGuard{path: path, value: value}, nil
}

func (g *KptrGuard) Restore() error {
	return os.WriteFile(g.path, g.value, 0o644)
}
