package smbdfs

import (
	"io/fs"
	"strings"
	"time"
)

// Windows file attribute flags (MS-FSCC 2.6).
const (
	FILE_ATTRIBUTE_READONLY            = 0x00000001
	FILE_ATTRIBUTE_HIDDEN              = 0x00000002
	FILE_ATTRIBUTE_SYSTEM              = 0x00000004
	FILE_ATTRIBUTE_DIRECTORY           = 0x00000010
	FILE_ATTRIBUTE_ARCHIVE             = 0x00000020
	FILE_ATTRIBUTE_DEVICE              = 0x00000040
	FILE_ATTRIBUTE_NORMAL              = 0x00000080
	FILE_ATTRIBUTE_TEMPORARY           = 0x00000100
	FILE_ATTRIBUTE_SPARSE_FILE         = 0x00000200
	FILE_ATTRIBUTE_REPARSE_POINT       = 0x00000400
	FILE_ATTRIBUTE_COMPRESSED          = 0x00000800
	FILE_ATTRIBUTE_OFFLINE             = 0x00001000
	FILE_ATTRIBUTE_NOT_CONTENT_INDEXED = 0x00002000
	FILE_ATTRIBUTE_ENCRYPTED           = 0x00004000
)

var attributeNames = []struct {
	bit  uint32
	name string
}{
	{FILE_ATTRIBUTE_READONLY, "ReadOnly"},
	{FILE_ATTRIBUTE_HIDDEN, "Hidden"},
	{FILE_ATTRIBUTE_SYSTEM, "System"},
	{FILE_ATTRIBUTE_DIRECTORY, "Directory"},
	{FILE_ATTRIBUTE_ARCHIVE, "Archive"},
	{FILE_ATTRIBUTE_TEMPORARY, "Temporary"},
	{FILE_ATTRIBUTE_SPARSE_FILE, "Sparse"},
	{FILE_ATTRIBUTE_REPARSE_POINT, "ReparsePoint"},
	{FILE_ATTRIBUTE_COMPRESSED, "Compressed"},
	{FILE_ATTRIBUTE_OFFLINE, "Offline"},
	{FILE_ATTRIBUTE_ENCRYPTED, "Encrypted"},
}

// WindowsAttributes is the raw attribute word of a remote file.
type WindowsAttributes uint32

// Has reports whether every bit in mask is set.
func (a WindowsAttributes) Has(mask uint32) bool {
	return uint32(a)&mask == mask
}

// With returns a with mask set or cleared.
func (a WindowsAttributes) With(mask uint32, on bool) WindowsAttributes {
	if on {
		return a | WindowsAttributes(mask)
	}
	return a &^ WindowsAttributes(mask)
}

func (a WindowsAttributes) IsReadOnly() bool  { return a.Has(FILE_ATTRIBUTE_READONLY) }
func (a WindowsAttributes) IsHidden() bool    { return a.Has(FILE_ATTRIBUTE_HIDDEN) }
func (a WindowsAttributes) IsDirectory() bool { return a.Has(FILE_ATTRIBUTE_DIRECTORY) }

func (a WindowsAttributes) String() string {
	var names []string
	for _, n := range attributeNames {
		if a.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "Normal"
	}
	return strings.Join(names, ", ")
}

// attributesToMode converts Windows attributes to a Unix file mode.
// Windows has no permission bits, so only read-only is reflected.
func attributesToMode(attrs uint32, isDir bool) fs.FileMode {
	ro := attrs&FILE_ATTRIBUTE_READONLY != 0
	var mode fs.FileMode
	switch {
	case isDir || attrs&FILE_ATTRIBUTE_DIRECTORY != 0:
		mode = fs.ModeDir | 0777
		if ro {
			mode = fs.ModeDir | 0555
		}
	case ro:
		mode = 0444
	default:
		mode = 0666
	}
	if attrs&FILE_ATTRIBUTE_REPARSE_POINT != 0 {
		mode |= fs.ModeSymlink
	}
	if attrs&FILE_ATTRIBUTE_DEVICE != 0 {
		mode |= fs.ModeDevice
	}
	return mode
}

// modeToAttributes converts a Unix file mode to Windows attributes.
func modeToAttributes(mode fs.FileMode) uint32 {
	var attrs uint32
	if mode&0222 == 0 {
		attrs |= FILE_ATTRIBUTE_READONLY
	}
	if mode.IsDir() {
		attrs |= FILE_ATTRIBUTE_DIRECTORY
	}
	if mode&fs.ModeSymlink != 0 {
		attrs |= FILE_ATTRIBUTE_REPARSE_POINT
	}
	if mode&fs.ModeDevice != 0 {
		attrs |= FILE_ATTRIBUTE_DEVICE
	}
	if mode.IsRegular() {
		attrs |= FILE_ATTRIBUTE_ARCHIVE
	}
	if attrs == 0 {
		attrs = FILE_ATTRIBUTE_NORMAL
	}
	return attrs
}

// FileInfo describes a remote file. It implements fs.FileInfo; Sys returns
// the WindowsAttributes.
type FileInfo struct {
	FileName       string
	EndOfFile      int64
	Attributes     WindowsAttributes
	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time
	ChangeTime     time.Time
	FileID         uint64 // server index number, when known
}

func (fi *FileInfo) Name() string       { return fi.FileName }
func (fi *FileInfo) Size() int64        { return fi.EndOfFile }
func (fi *FileInfo) Mode() fs.FileMode  { return attributesToMode(uint32(fi.Attributes), false) }
func (fi *FileInfo) ModTime() time.Time { return fi.LastWriteTime }
func (fi *FileInfo) IsDir() bool        { return fi.Attributes.IsDirectory() }
func (fi *FileInfo) Sys() interface{}   { return fi.Attributes }

// fileInfoFrom converts any fs.FileInfo, such as one returned by a dialect
// library, into a FileInfo.
func fileInfoFrom(info fs.FileInfo) *FileInfo {
	if fi, ok := info.(*FileInfo); ok {
		return fi
	}
	attrs := WindowsAttributes(modeToAttributes(info.Mode()))
	if a, ok := info.Sys().(WindowsAttributes); ok {
		attrs = a
	}
	return &FileInfo{
		FileName:      info.Name(),
		EndOfFile:     info.Size(),
		Attributes:    attrs,
		LastWriteTime: info.ModTime(),
	}
}

// SetAttributes selects what a SetFileAttributes call changes. Nil fields
// are left alone.
type SetAttributes struct {
	Attributes     *WindowsAttributes
	Mode           *fs.FileMode // mapped to the read-only bit
	LastAccessTime *time.Time
	LastWriteTime  *time.Time
	CreationTime   *time.Time
	Size           *int64
}

// attributes returns the attribute word to send, if any.
func (s *SetAttributes) attributes() (WindowsAttributes, bool) {
	switch {
	case s.Attributes != nil:
		return *s.Attributes, true
	case s.Mode != nil:
		return WindowsAttributes(modeToAttributes(*s.Mode)), true
	default:
		return 0, false
	}
}

// FsInfo is the result of a file-system size query.
type FsInfo struct {
	BlockSize       uint64
	TotalBlocks     uint64
	FreeBlocks      uint64
	AvailableBlocks uint64
	Label           string
}

// TotalBytes returns the volume size in bytes.
func (i *FsInfo) TotalBytes() uint64 { return i.BlockSize * i.TotalBlocks }

// FreeBytes returns the bytes available to the caller.
func (i *FsInfo) FreeBytes() uint64 { return i.BlockSize * i.AvailableBlocks }
