// errno.go maps the FileManager's flat Kind taxonomy onto POSIX
// errno values the kernel understands.
package fusebridge

import (
	"syscall"

	"bazil.org/fuse"

	"github.com/mredolatti/tf/internal/xerrors"
	"github.com/mredolatti/tf/internal/xlog"
)

var kindToErrno = map[xerrors.Kind]syscall.Errno{
	xerrors.NotFound:                    syscall.ENOENT,
	xerrors.AlreadyExists:               syscall.EEXIST,
	xerrors.NotAFile:                    syscall.EPERM,
	xerrors.NotALink:                    syscall.EPERM,
	xerrors.NotAFolder:                  syscall.EPERM,
	xerrors.CannotWriteInNonServerPath:  syscall.EPERM,
	xerrors.InvalidLinkSource:           syscall.EPERM,
	xerrors.InvalidLinkDestination:      syscall.EPERM,
	xerrors.ServerTreeManipulation:      syscall.EPERM,
	xerrors.FailedToFetchMappings:       syscall.EBADE,
	xerrors.FailedToUpdateRemoteMapping: syscall.EBADE,
	xerrors.FailedToReadFileFromServer:  syscall.EBADE,
	xerrors.FailedToWriteFileInServer:   syscall.EBADE,
	xerrors.FailedToFetchServerInfos:    syscall.EBADE,
	xerrors.InternalCacheError:          syscall.EBADFD,
	xerrors.InternalRepresentationError: syscall.EBADFD,
}

// errno converts a FileManager error into the fuse.Errno the kernel
// expects, logging the original error (including any JSend message a
// remote fault carried) at debug level.
func errno(err error) error {
	if err == nil {
		return nil
	}
	e := syscall.EPROTO
	if k, ok := kindToErrno[xerrors.KindOf(err)]; ok {
		e = k
	}
	xlog.Debug.Printf("fusebridge: %v -> errno %v", err, e)
	return fuse.Errno(e)
}
