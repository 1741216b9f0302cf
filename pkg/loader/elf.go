package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

var ErrNoSymtab = errors.New("object has no symbol table")

// Patch is one rewritten symbol table entry.
type Patch struct {
	Name   string
	Offset uint64
	Value  uint64
}

// PatchUndefined resolves the undefined symbols of a relocatable object against syms,
// rewriting their table entries in obj to absolute values. The width and byte order
// of the entries follow the object's ELF class and data encoding.
// Symbols kallsyms does not know are returned in missing and left untouched.
func PatchUndefined(obj []byte, syms SymbolMap) (patched []Patch, missing []string, err error) {
	f, err := elf.NewFile(bytes.NewReader(obj))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing object: %w", err)
	}
	defer f.Close()

	symtab := f.SectionByType(elf.SHT_SYMTAB)
	if symtab == nil {
		return nil, nil, ErrNoSymtab
	}
	symbols, err := f.Symbols()
	if err != nil {
		return nil, nil, fmt.Errorf("reading symbols: %w", err)
	}

	entSize := symtab.Entsize
	if entSize == 0 {
		entSize = elf.Sym64Size
		if f.Class == elf.ELFCLASS32 {
			entSize = elf.Sym32Size
		}
	}
	order := f.ByteOrder

	// Symbols() drops the null entry at index 0
	for i, sym := range symbols {
		if sym.Section != elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		addr, ok := syms[sym.Name]
		if !ok {
			missing = append(missing, sym.Name)
			continue
		}
		off := symtab.Offset + uint64(i+1)*entSize
		if off+entSize > uint64(len(obj)) {
			return patched, missing, fmt.Errorf("symbol %s: entry at %d out of bounds", sym.Name, off)
		}
		entry := obj[off : off+entSize]
		switch f.Class {
		case elf.ELFCLASS64:
			order.PutUint16(entry[6:], uint16(elf.SHN_ABS))
			order.PutUint64(entry[8:], addr)
		case elf.ELFCLASS32:
			order.PutUint32(entry[4:], uint32(addr))
			order.PutUint16(entry[14:], uint16(elf.SHN_ABS))
		default:
			return patched, missing, fmt.Errorf("unsupported elf class %s", f.Class)
		}
		patched = append(patched, Patch{Name: sym.Name, Offset: off, Value: addr})
	}
	return patched, missing, nil
}
