package driver

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
)

type Event uint32

const (
	EventPostFsData    Event = 1
	EventBootCompleted Event = 2
	EventModuleMounted Event = 3
)

func (e Event) String() string {
	switch e {
	case EventPostFsData:
		return "post-fs-data"
	case EventBootCompleted:
		return "boot-completed"
	case EventModuleMounted:
		return "module-mounted"
	}
	return fmt.Sprintf("event(%d)", uint32(e))
}

// Session is the process wide conduit to the kernel driver.
type Session interface {
	// Present reports whether any generation of the driver answered the probe.
	Present() bool
	Version() (version, flags uint32, err error)
	GrantRoot() error
	// ReportEvent notifies the driver. Failures are logged and returned, callers may ignore them.
	ReportEvent(e Event) error
	CheckSafemode() bool
	SetSepolicy(r Rule) error
	GetFeature(id uint32) (value uint64, supported bool, err error)
	SetFeature(id uint32, value uint64) error
}

type protocol int

const (
	protoNone protocol = iota
	protoModern
	protoLegacy
)

type session struct {
	sys Syscalls

	probeOnce sync.Once
	proto     protocol
	fd        int

	infoOnce sync.Once
	version  uint32
	flags    uint32
	infoErr  error
}

// NewSession builds a session over sys. Nothing is probed until the first call.
func NewSession(sys Syscalls) Session {
	return &session{sys: sys, fd: -1}
}

var (
	defaultOnce    sync.Once
	defaultSession Session
)

// Default returns the process wide session backed by the real kernel.
func Default() Session {
	defaultOnce.Do(func() {
		defaultSession = NewSession(SystemCalls())
	})
	return defaultSession
}

func (s *session) probe() {
	s.probeOnce.Do(func() {
		if fd, ok := s.sys.InheritedFd(); ok {
			utils.Log.Debug().Int("fd", fd).Msg("using inherited driver fd")
			s.proto, s.fd = protoModern, fd
			return
		}
		fd, err := s.sys.InstallFd()
		if err == nil && fd >= 0 {
			utils.Log.Debug().Int("fd", fd).Msg("driver fd installed")
			s.proto, s.fd = protoModern, fd
			return
		}
		utils.Log.Debug().Err(err).Msg("modern driver probe failed, trying legacy")

		var version uint32
		res, err := s.sys.LegacyCall(LegacyArgs{Cmd: legacyGetVersion, Ptr3: unsafe.Pointer(&version)})
		if err == nil && res == LegacyOption {
			s.proto = protoLegacy
			s.infoOnce.Do(func() { s.version = version })
			return
		}
		s.proto = protoNone
	})
}

func (s *session) Present() bool {
	s.probe()
	return s.proto != protoNone
}

func (s *session) Version() (uint32, uint32, error) {
	s.probe()
	switch s.proto {
	case protoNone:
		return 0, 0, constants.ErrNoDriver
	case protoModern:
		s.infoOnce.Do(func() {
			var cmd GetInfoCmd
			s.infoErr = s.sys.Ioctl(s.fd, IoctlGetInfo, unsafe.Pointer(&cmd))
			s.version, s.flags = cmd.Version, cmd.Flags
		})
	}
	return s.version, s.flags, s.infoErr
}

func (s *session) GrantRoot() error {
	s.probe()
	switch s.proto {
	case protoModern:
		return s.sys.Ioctl(s.fd, IoctlGrantRoot, nil)
	case protoLegacy:
		return s.legacy(LegacyArgs{Cmd: legacyGrantRoot})
	}
	return constants.ErrNoDriver
}

func (s *session) ReportEvent(e Event) error {
	s.probe()
	var err error
	switch s.proto {
	case protoModern:
		cmd := ReportEventCmd{Event: uint32(e)}
		err = s.sys.Ioctl(s.fd, IoctlReportEvent, unsafe.Pointer(&cmd))
	case protoLegacy:
		err = s.legacy(LegacyArgs{Cmd: legacyReportEvent, Value: uintptr(e)})
	default:
		err = constants.ErrNoDriver
	}
	if err != nil {
		utils.Log.Warn().Err(err).Str("event", e.String()).Msg("reporting event")
	}
	return err
}

func (s *session) CheckSafemode() bool {
	s.probe()
	switch s.proto {
	case protoModern:
		var cmd CheckSafemodeCmd
		if err := s.sys.Ioctl(s.fd, IoctlCheckSafemode, unsafe.Pointer(&cmd)); err != nil {
			utils.Log.Warn().Err(err).Msg("checking safemode")
			return false
		}
		return cmd.InSafeMode != 0
	case protoLegacy:
		res, err := s.sys.LegacyCall(LegacyArgs{Cmd: legacyCheckSafemode})
		return err == nil && res == LegacyOption
	}
	return false
}

func (s *session) GetFeature(id uint32) (uint64, bool, error) {
	s.probe()
	switch s.proto {
	case protoModern:
		cmd := GetFeatureCmd{FeatureID: id}
		if err := s.sys.Ioctl(s.fd, IoctlGetFeature, unsafe.Pointer(&cmd)); err != nil {
			return 0, false, err
		}
		return cmd.Value, cmd.Supported != 0, nil
	case protoLegacy:
		return 0, false, constants.ErrUnsupported
	}
	return 0, false, constants.ErrNoDriver
}

func (s *session) SetFeature(id uint32, value uint64) error {
	s.probe()
	switch s.proto {
	case protoModern:
		cmd := SetFeatureCmd{FeatureID: id, Value: value}
		return s.sys.Ioctl(s.fd, IoctlSetFeature, unsafe.Pointer(&cmd))
	case protoLegacy:
		return constants.ErrUnsupported
	}
	return constants.ErrNoDriver
}

// legacy issues a call that only succeeds when the kernel echoes the option back.
func (s *session) legacy(a LegacyArgs) error {
	res, err := s.sys.LegacyCall(a)
	if err != nil {
		return err
	}
	if res != LegacyOption {
		return fmt.Errorf("legacy command %d rejected", a.Cmd)
	}
	return nil
}
