package mkdos

import (
	"bytes"
	"errors"
	"testing"

	"github.com/diaevd/bktools/internal/bkerr"
)

// buildVolume assembles a minimal in-memory MK-DOS volume image: the meta
// block at offset 0, directory entries starting at 0x140, terminated by a
// zero name byte.
func buildVolume(meta Meta, entries [][]byte) []byte {
	img := make([]byte, int(meta.StartBlock)*Block)
	copy(img, VolumeMetaBytes(meta))

	pos := entriesOff
	for _, e := range entries {
		copy(img[pos:], e)
		pos += DirEntrySize
	}
	// terminator: a zeroed record (name[0] == 0) is implied by the
	// zero-filled backing buffer beyond pos.
	return img
}

func TestOpenS1ValidFloppy(t *testing.T) {
	meta := Meta{
		Files:         1,
		Blocks:        5,
		MicrodosLabel: MicrodosLabel,
		MkdosLabel:    MkdosLabel,
		DiskSize:      800,
		StartBlock:    25,
	}
	entry := EncodeDirEntry(0, 0, "HELLO", 25, 1, 0, 100)
	img := buildVolume(meta, [][]byte{entry})

	vol, err := Open(bytes.NewReader(img), 0, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(vol.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(vol.Entries))
	}
	got := vol.Entries[0]
	if got.Name != "HELLO" {
		t.Fatalf("name = %q, want HELLO", got.Name)
	}
	if got.StartBlockBytes != 25*Block {
		t.Fatalf("start block bytes = %d, want %d", got.StartBlockBytes, 25*Block)
	}
	if got.Size != 100 {
		t.Fatalf("size = %d, want 100", got.Size)
	}
	if got.ParentInode != rootInode {
		t.Fatalf("parent inode = %d, want root", got.ParentInode)
	}
}

func TestOpenS2MissingLabels(t *testing.T) {
	meta := Meta{StartBlock: 25}
	img := buildVolume(meta, nil)

	_, err := Open(bytes.NewReader(img), 0, false)
	if !errors.Is(err, bkerr.ErrMissingMicroDosLabel) {
		t.Fatalf("expected ErrMissingMicroDosLabel, got %v", err)
	}
}

func TestOpenS3Inverted(t *testing.T) {
	meta := Meta{
		Files:         1,
		Blocks:        5,
		MicrodosLabel: MicrodosLabel,
		MkdosLabel:    MkdosLabel,
		DiskSize:      800,
		StartBlock:    25,
	}
	entry := EncodeDirEntry(0, 0, "HELLO", 25, 1, 0, 100)
	img := buildVolume(meta, [][]byte{entry})

	inverted := make([]byte, len(img))
	for i, b := range img {
		inverted[i] = b ^ 0xFF
	}

	vol, err := Open(bytes.NewReader(inverted), 0, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(vol.Entries) != 1 || vol.Entries[0].Name != "HELLO" {
		t.Fatalf("inverted decode mismatch: %+v", vol.Entries)
	}
}

func TestDeletedDirMarkerIsDeletedNotDirectory(t *testing.T) {
	// Open Question (a): a DIR_MARKER-prefixed name with status 0o377 is
	// Deleted, never a directory carrying subdir number 0o377.
	meta := Meta{
		Files:         0,
		Blocks:        0,
		MicrodosLabel: MicrodosLabel,
		MkdosLabel:    MkdosLabel,
		DiskSize:      800,
		StartBlock:    25,
	}
	entry := EncodeDirEntry(0o377, 0, string(rune(DirMarker))+"X", 25, 1, 0, 100)
	img := buildVolume(meta, [][]byte{entry})

	vol, err := Open(bytes.NewReader(img), 0, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(vol.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(vol.Entries))
	}
	if !vol.Entries[0].IsDeleted {
		t.Fatalf("expected IsDeleted, got %+v", vol.Entries[0])
	}
	if vol.Entries[0].IsDir {
		t.Fatal("DIR_MARKER + status 0o377 must not be treated as a directory")
	}
}

func TestDirectoryEntry(t *testing.T) {
	meta := Meta{
		Files:         0,
		MicrodosLabel: MicrodosLabel,
		MkdosLabel:    MkdosLabel,
		DiskSize:      800,
		StartBlock:    25,
	}
	entry := EncodeDirEntry(3, 0, string(rune(DirMarker))+"SUBDIR", 25, 0, 0, 0)
	img := buildVolume(meta, [][]byte{entry})

	vol, err := Open(bytes.NewReader(img), 0, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := vol.Entries[0]
	if !got.IsDir {
		t.Fatal("expected directory entry")
	}
	if got.Inode != 1+3 {
		t.Fatalf("inode = %d, want %d", got.Inode, 1+3)
	}
	if got.SubdirNo != 3 {
		t.Fatalf("subdir no = %d, want 3", got.SubdirNo)
	}
}
