package loader

// Syscalls is the kernel surface the loader needs while running as init.
type Syscalls interface {
	Getpid() int
	// MountFS mounts a fresh instance of fstype, e.g. proc, at target.
	MountFS(fstype, target string) error
	// Unmount lazily detaches target.
	Unmount(target string) error
	Mknod(path string, major, minor uint32) error
	InitModule(image []byte, params string) error
}
