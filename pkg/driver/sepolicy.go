package driver

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/kernelsu/ksud/internal/constants"
)

// MaxSepolLen bounds every string argument of a policy rule, terminator excluded.
const MaxSepolLen = 128

var ErrSepolicyRejected = errors.New("sepolicy rule rejected by kernel")

// Rule is one atomic policy statement. A nil argument matches anything.
type Rule struct {
	Cmd    uint32
	Subcmd uint32
	Args   [7]*string
}

// Any is the wildcard argument.
var Any *string

// Arg returns a pointer to s for building rules inline.
func Arg(s string) *string { return &s }

type ffiPolicy struct {
	cmd    uint32
	subcmd uint32
	sepol  [7]*byte
}

func (r Rule) marshal() (*ffiPolicy, error) {
	p := &ffiPolicy{cmd: r.Cmd, subcmd: r.Subcmd}
	for i, a := range r.Args {
		if a == nil {
			continue
		}
		if len(*a) > MaxSepolLen {
			return nil, fmt.Errorf("sepolicy argument %d longer than %d bytes", i+1, MaxSepolLen)
		}
		buf := make([]byte, len(*a)+1)
		copy(buf, *a)
		p.sepol[i] = &buf[0]
	}
	return p, nil
}

func (s *session) SetSepolicy(r Rule) error {
	s.probe()
	policy, err := r.marshal()
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(policy)

	switch s.proto {
	case protoModern:
		cmd := SetSepolicyCmd{Cmd: 0, Arg: uint64(uintptr(unsafe.Pointer(policy)))}
		if err := s.sys.Ioctl(s.fd, IoctlSetSepolicy, unsafe.Pointer(&cmd)); err != nil {
			return fmt.Errorf("%w: %w", ErrSepolicyRejected, err)
		}
		return nil
	case protoLegacy:
		res, err := s.sys.LegacyCall(LegacyArgs{Cmd: legacySetSepolicy, Ptr4: unsafe.Pointer(policy)})
		if err != nil {
			return err
		}
		if res != LegacyOption {
			return ErrSepolicyRejected
		}
		return nil
	}
	return constants.ErrNoDriver
}
