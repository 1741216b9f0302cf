package driver

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocType = 'K'
)

// Command codes carry no size, the driver only checks direction, type and number.
const (
	IoctlGrantRoot     = iocNone<<30 | iocType<<8 | 1
	IoctlGetInfo       = iocRead<<30 | iocType<<8 | 2
	IoctlReportEvent   = iocWrite<<30 | iocType<<8 | 3
	IoctlSetSepolicy   = (iocRead|iocWrite)<<30 | iocType<<8 | 4
	IoctlCheckSafemode = iocRead<<30 | iocType<<8 | 5
	IoctlGetFeature    = (iocRead|iocWrite)<<30 | iocType<<8 | 13
	IoctlSetFeature    = iocWrite<<30 | iocType<<8 | 14
)

// Magic arguments of the reboot hook that hands out a driver descriptor.
const (
	InstallMagic1 = 0xDEADBEEF
	InstallMagic2 = 0xCAFEBABE
)

// Legacy prctl protocol.
const (
	LegacyOption = 0xDEADBEEF

	legacyGrantRoot     = 0
	legacyGetVersion    = 2
	legacyReportEvent   = 7
	legacySetSepolicy   = 8
	legacyCheckSafemode = 9
)

type GetInfoCmd struct {
	Version uint32
	Flags   uint32
}

type ReportEventCmd struct {
	Event uint32
}

type SetSepolicyCmd struct {
	Cmd uint64
	Arg uint64
}

type CheckSafemodeCmd struct {
	InSafeMode uint8
}

// Explicit padding keeps the C layout on 32 bit targets where Go aligns uint64 to 4.
type GetFeatureCmd struct {
	FeatureID uint32
	_         uint32
	Value     uint64
	Supported uint8
	_         [7]uint8
}

type SetFeatureCmd struct {
	FeatureID uint32
	_         uint32
	Value     uint64
}
