// Package vfs projects a decoded MK-DOS volume as a virtual inode
// namespace: stable inode assignment, parent/child indexing, lookup,
// getattr, readdir, read and statfs, plus the re-open-on-change policy that
// keeps the projection in sync with an externally-mutated backing file.
package vfs

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/diaevd/bktools/internal/bkerr"
	"github.com/diaevd/bktools/internal/mkdos"
	"github.com/diaevd/bktools/internal/streamio"
)

const (
	RootInode = 1

	// edUnixTime is the fixed Unix timestamp the root directory's
	// ctime/mtime/crtime are synthesized from.
	edUnixTime = 286405200
)

var fixedTimestamp = time.Date(1979, 1, 29, 3, 0, 0, 0, time.UTC)
var rootTimestamp = time.Unix(edUnixTime, 0).UTC()

var ErrNotFound = errors.New("vfs: inode or name not found")

// Kind mirrors mkdos.Kind to keep this package's exported surface
// self-contained.
type Kind = mkdos.Kind

const (
	KindRegularFile = mkdos.KindRegularFile
	KindDirectory   = mkdos.KindDirectory
)

// Attrs is the synthesized POSIX attribute set for one inode.
type Attrs struct {
	Inode   uint64
	Kind    Kind
	Perm    uint16
	Size    uint64
	Blocks  uint64
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Blksize uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Crtime  time.Time
}

// DirEntryView is one entry streamed out of ReadDir, in on-disk order.
type DirEntryView struct {
	Name  string
	Inode uint64
	Kind  Kind
}

// Options configures the read-only visibility and decode policy of a
// Volume.
type Options struct {
	Inverted    bool
	ShowDeleted bool
	ShowBad     bool
}

// Volume is a live, re-openable MK-DOS volume projected as a virtual
// namespace. The backing file is owned by the Volume for its lifetime;
// Close releases it.
type Volume struct {
	opts Options

	file         *os.File
	originOffset int64 // byte offset of the logical volume within backing
	backing      io.ReaderAt

	mu           sync.RWMutex
	lastModified time.Time
	parsed       *mkdos.Volume
	fatalErr     error

	byInode          map[uint64]*mkdos.Entry
	childrenByParent map[uint64][]*mkdos.Entry
}

// Open opens path and decodes the MK-DOS volume at the given offset/size (in
// blocks; size == 0 means "through end of file", only valid when offset ==
// 0 — a nonzero offset with no size is rejected as ErrUnknownSizeWithOffset).
func Open(path string, offsetBlocks, sizeBlocks int64, opts Options) (*Volume, error) {
	if offsetBlocks != 0 && sizeBlocks == 0 {
		return nil, bkerr.ErrUnknownSizeWithOffset
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &bkerr.Io{Cause: err}
	}

	var backing io.ReaderAt = f
	origin := offsetBlocks * mkdos.Block
	if sizeBlocks != 0 {
		backing = io.NewSectionReader(f, origin, sizeBlocks*mkdos.Block)
		origin = 0
	}

	v := &Volume{
		opts:         opts,
		file:         f,
		originOffset: origin,
		backing:      backing,
	}

	if err := v.parseLocked(); err != nil {
		f.Close()
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &bkerr.Io{Cause: err}
	}
	v.lastModified = fi.ModTime()

	return v, nil
}

func (v *Volume) Close() error {
	return v.file.Close()
}

func (v *Volume) parseLocked() error {
	mv, err := mkdos.Open(v.backing, v.originOffset, v.opts.Inverted)
	if err != nil {
		return err
	}

	byInode := make(map[uint64]*mkdos.Entry, len(mv.Entries))
	children := make(map[uint64][]*mkdos.Entry)
	for i := range mv.Entries {
		e := &mv.Entries[i]
		byInode[e.Inode] = e
		children[e.ParentInode] = append(children[e.ParentInode], e)
	}

	v.parsed = mv
	v.byInode = byInode
	v.childrenByParent = children
	return nil
}

// ensureFresh re-decodes the whole volume if the backing file's mtime has
// changed since the last successful parse. Read does not call this; every
// other metadata operation does. A reparse failure is fatal:
// once set, it is returned to every subsequent caller without retrying.
func (v *Volume) ensureFresh() error {
	v.mu.RLock()
	fatal := v.fatalErr
	cached := v.lastModified
	v.mu.RUnlock()
	if fatal != nil {
		return fatal
	}

	fi, err := v.file.Stat()
	if err != nil {
		return &bkerr.Io{Cause: err}
	}
	if fi.ModTime().Equal(cached) {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.fatalErr != nil {
		return v.fatalErr
	}
	if fi.ModTime().Equal(v.lastModified) {
		return nil
	}

	if err := v.parseLocked(); err != nil {
		v.fatalErr = err
		return err
	}
	v.lastModified = fi.ModTime()
	return nil
}

func (v *Volume) visible(e *mkdos.Entry) bool {
	if e.IsDeleted && !v.opts.ShowDeleted {
		return false
	}
	if e.IsBad && !v.opts.ShowBad {
		return false
	}
	return true
}

// Lookup finds the child of parentInode named name.
func (v *Volume) Lookup(parentInode uint64, name string) (*mkdos.Entry, error) {
	if err := v.ensureFresh(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, e := range v.childrenByParent[parentInode] {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

// GetAttr returns the synthesized attributes of inode, or ErrNotFound.
func (v *Volume) GetAttr(inode uint64) (*Attrs, error) {
	if err := v.ensureFresh(); err != nil {
		return nil, err
	}

	if inode == RootInode {
		return v.rootAttrs(), nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	e, ok := v.byInode[inode]
	if !ok {
		return nil, ErrNotFound
	}
	return attrsFromEntry(e), nil
}

func (v *Volume) rootAttrs() *Attrs {
	return &Attrs{
		Inode:   RootInode,
		Kind:    KindDirectory,
		Perm:    0o755,
		Size:    0,
		Blocks:  0,
		Nlink:   2,
		Uid:     1000,
		Gid:     1000,
		Blksize: mkdos.Block,
		Atime:   fixedTimestamp,
		Mtime:   rootTimestamp,
		Ctime:   rootTimestamp,
		Crtime:  rootTimestamp,
	}
}

func attrsFromEntry(e *mkdos.Entry) *Attrs {
	a := &Attrs{
		Inode:   e.Inode,
		Kind:    e.Kind,
		Perm:    e.Mode,
		Size:    uint64(e.Size),
		Blocks:  (uint64(e.Size) + mkdos.Block - 1) / mkdos.Block,
		Nlink:   1,
		Uid:     1000,
		Gid:     1000,
		Blksize: mkdos.Block,
		Atime:   fixedTimestamp,
		Mtime:   fixedTimestamp,
		Ctime:   fixedTimestamp,
		Crtime:  fixedTimestamp,
	}
	if e.Kind == KindDirectory {
		a.Nlink = 2
	}
	return a
}

// ReadDir lists parentInode's contents in on-disk order: "." first, ".."
// second, then its visible children honoring ShowDeleted/ShowBad.
func (v *Volume) ReadDir(parentInode uint64) ([]DirEntryView, error) {
	if err := v.ensureFresh(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	dotdot := uint64(RootInode)
	if parentInode != RootInode {
		parentEntry, ok := v.byInode[parentInode]
		if !ok {
			return nil, ErrNotFound
		}
		dotdot = parentEntry.ParentInode
	}

	out := []DirEntryView{
		{Name: ".", Inode: parentInode, Kind: KindDirectory},
		{Name: "..", Inode: dotdot, Kind: KindDirectory},
	}

	for _, e := range v.childrenByParent[parentInode] {
		if !v.visible(e) {
			continue
		}
		out = append(out, DirEntryView{Name: e.Name, Inode: e.Inode, Kind: e.Kind})
	}

	return out, nil
}

// Read returns up to size bytes of inode's content starting at offset. It
// does not trigger a reparse: reads always go straight to the backing store
// against whatever model is currently cached.
func (v *Volume) Read(inode uint64, offset int64, size int) ([]byte, error) {
	v.mu.RLock()
	e, ok := v.byInode[inode]
	v.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if e.Kind != KindRegularFile {
		return nil, ErrNotFound
	}

	if offset < 0 {
		offset = 0
	}
	remaining := int64(e.Length) - offset
	if remaining < 0 {
		remaining = 0
	}
	if int64(size) > remaining {
		size = int(remaining)
	}
	if size <= 0 {
		return []byte{}, nil
	}

	real := e.StartBlockBytes + offset
	buf := make([]byte, size)
	n, err := v.dataReader().ReadAt(buf, v.originOffset+real)
	if err != nil && err != io.EOF {
		return nil, &bkerr.Io{Cause: err}
	}
	return buf[:n], nil
}

func (v *Volume) dataReader() io.ReaderAt {
	if v.opts.Inverted {
		return streamio.NewInvertingReaderAt(v.backing)
	}
	return v.backing
}

// StatfsResult is the volume's capacity summary, as returned by Statfs.
type StatfsResult struct {
	TotalBlocks uint64
	FreeBlocks  uint64
	Files       uint64
	Bsize       uint32
	NameLen     uint32
}

func (v *Volume) Statfs() (*StatfsResult, error) {
	if err := v.ensureFresh(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	meta := v.parsed.Meta
	return &StatfsResult{
		TotalBlocks: uint64(meta.DiskSize),
		FreeBlocks:  uint64(meta.DiskSize) - uint64(meta.Blocks),
		Files:       uint64(meta.Files),
		Bsize:       mkdos.Block,
		NameLen:     mkdos.FilenameBytes,
	}, nil
}
