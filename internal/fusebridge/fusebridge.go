// Package fusebridge adapts internal/vfs.Volume to the go-fuse v2
// RawFileSystem wire protocol. It implements init, lookup, forget, getattr,
// open/read/release, opendir/readdir/releasedir and statfs; everything else
// falls through to the embedded default implementation.
package fusebridge

import (
	"log/slog"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/diaevd/bktools/internal/vfs"
)

// Bridge is a fuse.RawFileSystem backed by a single vfs.Volume.
type Bridge struct {
	fuse.RawFileSystem
	vol      *vfs.Volume
	readOnly bool
}

func New(vol *vfs.Volume) *Bridge {
	return &Bridge{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		vol:           vol,
		readOnly:      true,
	}
}

func (b *Bridge) String() string { return "bktools" }

func (b *Bridge) Init(server *fuse.Server) {
	slog.Info("fusebridge: mounted")
}

func (b *Bridge) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	e, err := b.vol.Lookup(header.NodeId, name)
	if err != nil {
		return errnoStatus(err, fuse.ENOENT)
	}

	attrs, err := b.vol.GetAttr(e.Inode)
	if err != nil {
		return errnoStatus(err, fuse.ENOENT)
	}

	out.NodeId = attrs.Inode
	fillAttr(&out.Attr, attrs)
	return fuse.OK
}

func (b *Bridge) Forget(nodeid, nlookup uint64) {
	// No per-inode state is kept, so there's nothing to release.
}

func (b *Bridge) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	attrs, err := b.vol.GetAttr(input.NodeId)
	if err != nil {
		return errnoStatus(err, fuse.ENOENT)
	}
	fillAttr(&out.Attr, attrs)
	return fuse.OK
}

// accessMode is the subset of an open(2) flags word this read-only
// filesystem cares about.
func accessMode(flags uint32) (mask uint32, status fuse.Status) {
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		mask = R_OK
	case syscall.O_WRONLY, syscall.O_RDWR:
		return 0, fuse.Status(syscall.EACCES)
	default:
		return 0, fuse.Status(syscall.EINVAL)
	}

	if flags&syscall.O_TRUNC != 0 {
		return 0, fuse.Status(syscall.EACCES)
	}

	return mask, fuse.OK
}

const (
	R_OK = 4
	W_OK = 2
)

func (b *Bridge) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	_, status := accessMode(input.Flags)
	if !status.Ok() {
		return status
	}
	out.Fh = 0
	return fuse.OK
}

func (b *Bridge) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	_, status := accessMode(input.Flags)
	if !status.Ok() {
		return status
	}
	out.Fh = 0
	return fuse.OK
}

func (b *Bridge) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	data, err := b.vol.Read(input.NodeId, int64(input.Offset), int(input.Size))
	if err != nil {
		return nil, errnoStatus(err, fuse.Status(syscall.EIO))
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (b *Bridge) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {}

func (b *Bridge) ReleaseDir(input *fuse.ReleaseIn) {}

func (b *Bridge) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, err := b.vol.ReadDir(input.NodeId)
	if err != nil {
		return errnoStatus(err, fuse.ENOENT)
	}

	for i := input.Offset; i < uint64(len(entries)); i++ {
		e := entries[i]
		if !out.AddDirEntry(fuse.DirEntry{
			Mode: modeBits(e.Kind, 0o555),
			Name: e.Name,
			Ino:  e.Inode,
		}) {
			break
		}
	}
	return fuse.OK
}

func (b *Bridge) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	sf, err := b.vol.Statfs()
	if err != nil {
		return errnoStatus(err, fuse.Status(syscall.EIO))
	}
	out.St = fuse.Kstatfs{
		Blocks:  sf.TotalBlocks,
		Bfree:   sf.FreeBlocks,
		Bavail:  sf.FreeBlocks,
		Files:   sf.Files,
		Ffree:   0,
		Bsize:   sf.Bsize,
		NameLen: sf.NameLen,
	}
	return fuse.OK
}

func fillAttr(a *fuse.Attr, attrs *vfs.Attrs) {
	a.Ino = attrs.Inode
	a.Size = attrs.Size
	a.Blocks = attrs.Blocks
	a.Mode = modeBits(attrs.Kind, attrs.Perm)
	a.Nlink = attrs.Nlink
	a.Uid = attrs.Uid
	a.Gid = attrs.Gid
	a.Blksize = attrs.Blksize

	setTime(&a.Atime, &a.Atimensec, attrs.Atime)
	setTime(&a.Mtime, &a.Mtimensec, attrs.Mtime)
	setTime(&a.Ctime, &a.Ctimensec, attrs.Ctime)
}

func setTime(sec *uint64, nsec *uint32, t interface {
	Unix() int64
	Nanosecond() int
}) {
	*sec = uint64(t.Unix())
	*nsec = uint32(t.Nanosecond())
}

func modeBits(kind vfs.Kind, perm uint16) uint32 {
	m := uint32(perm)
	if kind == vfs.KindDirectory {
		m |= syscall.S_IFDIR
	} else {
		m |= syscall.S_IFREG
	}
	return m
}

func errnoStatus(err error, fallback fuse.Status) fuse.Status {
	slog.Debug("fusebridge: operation failed", "err", err)
	if err == vfs.ErrNotFound {
		return fuse.ENOENT
	}
	return fallback
}
