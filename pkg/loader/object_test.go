package loader_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	. "github.com/onsi/gomega"
)

type testSym struct {
	name  string
	shndx elf.SectionIndex
	value uint64
}

func pad(b *bytes.Buffer, to int) {
	for b.Len() < to {
		b.WriteByte(0)
	}
}

func align(n, a int) int { return (n + a - 1) / a * a }

// buildObject assembles a minimal relocatable object holding only string tables and a
// symbol table, enough for debug/elf and the patcher.
func buildObject(class elf.Class, order binary.ByteOrder, symbols ...testSym) []byte {
	is64 := class == elf.ELFCLASS64
	shstrtab := []byte("\x00.shstrtab\x00.strtab\x00.symtab\x00")
	strtab := []byte{0}

	var symtab bytes.Buffer
	write := func(v any) { ExpectWithOffset(2, binary.Write(&symtab, order, v)).To(Succeed()) }
	if is64 {
		write(elf.Sym64{})
	} else {
		write(elf.Sym32{})
	}
	info := elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE)
	for _, s := range symbols {
		name := uint32(len(strtab))
		strtab = append(append(strtab, s.name...), 0)
		if is64 {
			write(elf.Sym64{Name: name, Info: info, Shndx: uint16(s.shndx), Value: s.value})
		} else {
			write(elf.Sym32{Name: name, Info: info, Shndx: uint16(s.shndx), Value: uint32(s.value)})
		}
	}

	ehsize, shentsize, symentsize := 52, 40, elf.Sym32Size
	if is64 {
		ehsize, shentsize, symentsize = 64, 64, elf.Sym64Size
	}
	shstrOff := ehsize
	strOff := shstrOff + len(shstrtab)
	symOff := align(strOff+len(strtab), 8)
	shOff := align(symOff+symtab.Len(), 8)

	data := elf.ELFDATA2LSB
	if order == binary.BigEndian {
		data = elf.ELFDATA2MSB
	}
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(class), byte(data), byte(elf.EV_CURRENT)}

	type section struct {
		name, typ, off, size, link, info, entsize int
	}
	sections := []section{
		{},
		{name: 1, typ: int(elf.SHT_STRTAB), off: shstrOff, size: len(shstrtab)},
		{name: 11, typ: int(elf.SHT_STRTAB), off: strOff, size: len(strtab)},
		{name: 19, typ: int(elf.SHT_SYMTAB), off: symOff, size: symtab.Len(), link: 2, info: 1, entsize: symentsize},
	}

	var out bytes.Buffer
	put := func(v any) { ExpectWithOffset(2, binary.Write(&out, order, v)).To(Succeed()) }
	if is64 {
		put(elf.Header64{
			Ident: ident, Type: uint16(elf.ET_REL), Machine: uint16(elf.EM_AARCH64), Version: uint32(elf.EV_CURRENT),
			Shoff: uint64(shOff), Ehsize: uint16(ehsize), Shentsize: uint16(shentsize), Shnum: uint16(len(sections)), Shstrndx: 1,
		})
	} else {
		put(elf.Header32{
			Ident: ident, Type: uint16(elf.ET_REL), Machine: uint16(elf.EM_ARM), Version: uint32(elf.EV_CURRENT),
			Shoff: uint32(shOff), Ehsize: uint16(ehsize), Shentsize: uint16(shentsize), Shnum: uint16(len(sections)), Shstrndx: 1,
		})
	}
	out.Write(shstrtab)
	out.Write(strtab)
	pad(&out, symOff)
	out.Write(symtab.Bytes())
	pad(&out, shOff)
	for _, s := range sections {
		if is64 {
			put(elf.Section64{
				Name: uint32(s.name), Type: uint32(s.typ), Off: uint64(s.off), Size: uint64(s.size),
				Link: uint32(s.link), Info: uint32(s.info), Addralign: 1, Entsize: uint64(s.entsize),
			})
		} else {
			put(elf.Section32{
				Name: uint32(s.name), Type: uint32(s.typ), Off: uint32(s.off), Size: uint32(s.size),
				Link: uint32(s.link), Info: uint32(s.info), Addralign: 1, Entsize: uint32(s.entsize),
			})
		}
	}
	return out.Bytes()
}

// symbolsOf parses obj back and indexes its symbols by name.
func symbolsOf(obj []byte) map[string]elf.Symbol {
	f, err := elf.NewFile(bytes.NewReader(obj))
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	syms, err := f.Symbols()
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	out := map[string]elf.Symbol{}
	for _, s := range syms {
		out[s.Name] = s
	}
	return out
}
