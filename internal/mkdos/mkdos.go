// Package mkdos decodes an MK-DOS / Micro DOS logical volume: a fixed
// 320-byte meta block followed by a sequential table of 24-byte directory
// entries. Decoding is a single pass producing a flat, inode-tagged entry
// list; there is no in-core mutation afterward (internal/vfs owns the
// re-open-on-change policy that re-runs this pass).
package mkdos

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/diaevd/bktools/internal/bkerr"
	"github.com/diaevd/bktools/internal/streamio"
)

const (
	Block         = 512
	DirEntrySize  = 24
	FilenameBytes = 14
	MetaSize      = 320

	MicrodosLabel = 0o123456
	MkdosLabel    = 0o51414
	DirMarker     = 0o177

	metaFilesOff      = 0x18
	metaBlocksOff     = 0x1A
	metaMicrodosOff   = 0x100
	metaMkdosOff      = 0x102
	metaDiskSizeOff   = 0x136
	metaStartBlockOff = 0x138
	entriesOff        = 0x140

	rootInode        = 1
	firstFileInode   = 1001
	minStartBlock    = 20
)

// Meta is the MK-DOS volume meta block.
type Meta struct {
	Files         uint16
	Blocks        uint16
	MicrodosLabel uint16
	MkdosLabel    uint16
	DiskSize      uint16
	StartBlock    uint16
}

// Status is the decoded semantic status of a directory entry.
type Status int

const (
	StatusNormal Status = iota
	StatusProtected
	StatusLogicalDisk
	StatusBad
	StatusDeleted
	StatusDirectory
	StatusUnknown
)

// Kind is the projected POSIX entry kind.
type Kind int

const (
	KindRegularFile Kind = iota
	KindDirectory
)

// Entry is the namespace-projected view of one directory-entry record.
type Entry struct {
	Inode           uint64
	ParentInode     uint64
	Kind            Kind
	Mode            uint16
	Size            uint32
	StartBlockBytes int64
	Length          uint16 // raw on-disk byte length; used for read clamping
	Blocks          uint16
	Name            string
	Status          Status
	SubdirNo        uint8 // valid when Kind == KindDirectory

	IsNormal    bool
	IsProtected bool
	IsLogical   bool
	IsBad       bool
	IsDeleted   bool
	IsUnknown   bool
	IsDir       bool
}

// Stats tallies warn-only post-parse consistency counters.
type Stats struct {
	NormalCount int
	DeletedCount int
	BadCount     int
	UsedBlocks   int
	BadBlocks    int
	HoleBlocks   int
}

// Volume is the fully decoded MK-DOS volume: the meta block plus every
// parsed directory entry, flat.
type Volume struct {
	Meta    Meta
	Entries []Entry
	Stats   Stats
}

// Open reads and decodes a logical MK-DOS volume starting at offset within
// disk. If inverted, every byte is read through an InvertingReaderAt first
// (the whole-image hardware-XOR quirk, distinct from AltPro's own,
// always-on header inversion).
func Open(disk io.ReaderAt, offset int64, inverted bool) (*Volume, error) {
	var r io.ReaderAt = disk
	if inverted {
		r = streamio.NewInvertingReaderAt(disk)
	}

	meta, err := readMeta(r, offset)
	if err != nil {
		return nil, err
	}

	entries, stats, err := readEntries(r, offset, meta)
	if err != nil {
		return nil, err
	}

	if stats.NormalCount != int(meta.Files) {
		slog.Warn("mkdos: normal entry count does not match meta.Files",
			"counted", stats.NormalCount, "meta.files", meta.Files)
	}
	if stats.UsedBlocks+int(meta.StartBlock) != int(meta.Blocks) {
		slog.Warn("mkdos: used blocks + start block does not match meta.Blocks",
			"used_blocks", stats.UsedBlocks, "start_block", meta.StartBlock, "meta.blocks", meta.Blocks)
	}

	return &Volume{Meta: *meta, Entries: entries, Stats: stats}, nil
}

func readMeta(r io.ReaderAt, offset int64) (*Meta, error) {
	buf := make([]byte, MetaSize)
	n, err := r.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, &bkerr.Io{Cause: err}
	}
	if n != MetaSize {
		return nil, &bkerr.BadMetaSize{Got: n}
	}

	m := &Meta{
		Files:         binary.LittleEndian.Uint16(buf[metaFilesOff:]),
		Blocks:        binary.LittleEndian.Uint16(buf[metaBlocksOff:]),
		MicrodosLabel: binary.LittleEndian.Uint16(buf[metaMicrodosOff:]),
		MkdosLabel:    binary.LittleEndian.Uint16(buf[metaMkdosOff:]),
		DiskSize:      binary.LittleEndian.Uint16(buf[metaDiskSizeOff:]),
		StartBlock:    binary.LittleEndian.Uint16(buf[metaStartBlockOff:]),
	}

	if m.MicrodosLabel != MicrodosLabel {
		return nil, bkerr.ErrMissingMicroDosLabel
	}
	if m.MkdosLabel != MkdosLabel {
		return nil, bkerr.ErrMissingMkDosLabel
	}

	if m.StartBlock < minStartBlock {
		slog.Warn("mkdos: start block below sanity floor", "start_block", m.StartBlock, "floor", minStartBlock)
	}

	return m, nil
}

var koi8r = charmap.KOI8R.NewDecoder()

func decodeName(raw []byte) string {
	decoded, err := koi8r.Bytes(raw)
	if err != nil {
		slog.Warn("mkdos: koi8-r decode error", "err", err)
		decoded = raw
	}
	return strings.TrimRight(string(decoded), " \x00")
}

func readEntries(r io.ReaderAt, offset int64, meta *Meta) ([]Entry, Stats, error) {
	var entries []Entry
	var stats Stats

	fileInode := uint64(firstFileInode)

	pos := offset + entriesOff
	for {
		raw := make([]byte, DirEntrySize)
		n, err := r.ReadAt(raw, pos)
		if err != nil && err != io.EOF {
			return nil, stats, &bkerr.Io{Cause: err}
		}
		if n < DirEntrySize {
			break
		}

		statusByte := raw[0]
		parentDirNo := raw[1]
		nameRaw := raw[2 : 2+FilenameBytes]
		startBlock := binary.LittleEndian.Uint16(raw[0x10:])
		blocks := binary.LittleEndian.Uint16(raw[0x12:])
		length := binary.LittleEndian.Uint16(raw[0x16:])

		if nameRaw[0] == 0 {
			break
		}
		if pos > offset+int64(startBlock)*Block {
			break
		}

		isDirMarker := nameRaw[0] == DirMarker

		e := Entry{
			ParentInode: 1 + uint64(parentDirNo),
			Blocks:      blocks,
			Length:      length,
			Status:      StatusUnknown,
		}

		switch {
		case statusByte == 0o377:
			e.Status = StatusDeleted
			e.IsDeleted = true
			stats.DeletedCount++
			stats.HoleBlocks += int(blocks)
			e.ParentInode = rootInode

		case isDirMarker:
			e.Status = StatusDirectory
			e.IsDir = true
			e.SubdirNo = statusByte
			e.Kind = KindDirectory
			e.Inode = 1 + uint64(statusByte)
			e.Mode = 0o755
			stats.NormalCount++

		case statusByte == 0o200:
			e.Status = StatusBad
			e.IsBad = true
			stats.BadCount++
			stats.BadBlocks += int(blocks)
			e.ParentInode = rootInode

		case statusByte == 0:
			e.Status = StatusNormal
			e.IsNormal = true
			stats.NormalCount++
			stats.UsedBlocks += int(blocks)

		case statusByte == 1:
			e.Status = StatusProtected
			e.IsNormal = true
			e.IsProtected = true
			stats.NormalCount++
			stats.UsedBlocks += int(blocks)

		case statusByte == 2:
			e.Status = StatusLogicalDisk
			e.IsNormal = true
			e.IsLogical = true
			stats.NormalCount++
			stats.UsedBlocks += int(blocks)

		default:
			free := int(meta.DiskSize) - int(meta.Blocks)
			if stats.NormalCount >= int(meta.Files) ||
				startBlock <= meta.StartBlock ||
				startBlock >= meta.DiskSize ||
				int(blocks) > free {
				// Heuristic garbage: stop parsing rather than trust this record.
				return entries, stats, nil
			}
			e.Status = StatusUnknown
			e.IsNormal = true
			e.IsUnknown = true
			stats.NormalCount++
			stats.UsedBlocks += int(blocks)
			slog.Warn("mkdos: unknown status byte accepted heuristically",
				"status_byte", fmt.Sprintf("%#o", statusByte), "start_block", startBlock)
		}

		if e.Kind != KindDirectory {
			name := nameRaw
			if isDirMarker {
				name = nameRaw[1:]
			}
			e.Name = decodeName(name)
			e.Inode = fileInode
			fileInode++
			e.Mode = 0o444
			if e.IsProtected {
				e.Mode |= 0o1000
			}
			if blocks <= 128 {
				e.Size = uint32(length)
			} else {
				e.Size = uint32(blocks) * Block
			}
			e.StartBlockBytes = int64(startBlock) * Block
		} else {
			e.Name = decodeName(nameRaw[1:])
		}

		entries = append(entries, e)
		pos += DirEntrySize
	}

	return entries, stats, nil
}

// VolumeMetaBytes is exported for tests that want to synthesize a fixture by
// hand without going through an on-disk layout helper.
func VolumeMetaBytes(m Meta) []byte {
	buf := make([]byte, MetaSize)
	binary.LittleEndian.PutUint16(buf[metaFilesOff:], m.Files)
	binary.LittleEndian.PutUint16(buf[metaBlocksOff:], m.Blocks)
	binary.LittleEndian.PutUint16(buf[metaMicrodosOff:], m.MicrodosLabel)
	binary.LittleEndian.PutUint16(buf[metaMkdosOff:], m.MkdosLabel)
	binary.LittleEndian.PutUint16(buf[metaDiskSizeOff:], m.DiskSize)
	binary.LittleEndian.PutUint16(buf[metaStartBlockOff:], m.StartBlock)
	return buf
}

// EncodeDirEntry builds a raw 24-byte directory-entry record, KOI8-R
// encoding name and padding it to FilenameBytes with spaces. Used by tests.
func EncodeDirEntry(status, parentDirNo uint8, name string, startBlock, blocks, startAddress, length uint16) []byte {
	buf := make([]byte, DirEntrySize)
	buf[0] = status
	buf[1] = parentDirNo

	enc := charmap.KOI8R.NewEncoder()
	nameBytes, err := enc.Bytes([]byte(name))
	if err != nil {
		nameBytes = []byte(name)
	}
	copy(buf[2:2+FilenameBytes], bytes.Repeat([]byte(" "), FilenameBytes))
	copy(buf[2:2+FilenameBytes], nameBytes)

	binary.LittleEndian.PutUint16(buf[0x10:], startBlock)
	binary.LittleEndian.PutUint16(buf[0x12:], blocks)
	binary.LittleEndian.PutUint16(buf[0x14:], startAddress)
	binary.LittleEndian.PutUint16(buf[0x16:], length)
	return buf
}
