//go:build !unix

package magic

import "io/fs"

func isWhiteout(fs.FileInfo) bool { return false }

func ownerOf(fs.FileInfo) (int, int, bool) { return 0, 0, false }
