//go:build unix

package inputtail

import (
	"os"
	"syscall"

	"github.com/MuchTitan/go-log-shipper/internal"
)

func identityOf(info os.FileInfo) internal.FileIdentity {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return internal.FileIdentity{Device: uint64(stat.Dev), Inode: uint64(stat.Ino)}
	}
	return internal.FileIdentity{}
}
