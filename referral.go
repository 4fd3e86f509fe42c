package smbdfs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
)

// Referral header flags (RESP_GET_DFS_REFERRAL.ReferralHeaderFlags).
const (
	DFSReferralServers uint32 = 0x00000001
	DFSStorageServers  uint32 = 0x00000002
	DFSTargetFailback  uint32 = 0x00000004
)

// Referral entry flags and server types.
const (
	DFSNameListReferral   uint16 = 0x0002
	DFSTargetSetBoundary  uint16 = 0x0004
	DFSServerTypeLink     uint16 = 0x0000
	DFSServerTypeRoot     uint16 = 0x0001
	referralHeaderSize           = 8
	referralEntryFixedLen        = 8

	// Fixed entry sizes per version, strings excluded. Version 3 and 4
	// target entries end in a 16-byte ServiceSiteGuid.
	referralV2FixedLen       = 22
	referralNameListFixedLen = 18
	referralV3FixedLen       = 34
)

// Referral is one target returned by a DFS referral query.
type Referral struct {
	Version uint16

	// Consumed is the prefix of the requested path this referral covers.
	Consumed     string
	PathConsumed int // UTF-16 code units

	Path    string // DFSPath as sent by the server (v2+)
	AltPath string
	NetPath string // target \server\share[\path]

	TTL       time.Duration
	Proximity uint32
	Root      bool

	ReferralServers   bool
	StorageServers    bool
	TargetSetBoundary bool

	// Domain and DC referrals (v3+ name list form).
	SpecialName   string
	ExpandedNames []string

	mu           sync.Mutex
	ioPerformed  bool
	lastIOStatus error
}

// IsNameList reports whether this is a domain or DC referral.
func (r *Referral) IsNameList() bool {
	return r.SpecialName != ""
}

// markIO records the outcome of an I/O attempt served by this referral.
func (r *Referral) markIO(err error) {
	r.mu.Lock()
	r.ioPerformed = true
	r.lastIOStatus = err
	r.mu.Unlock()
}

// failed reports whether an earlier attempt through this referral failed
// for a reason other than the server disowning the path.
func (r *Referral) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ioPerformed && r.lastIOStatus != nil && !errors.Is(r.lastIOStatus, ErrPathNotCovered)
}

// reset clears the recorded outcome.
func (r *Referral) reset() {
	r.mu.Lock()
	r.ioPerformed = false
	r.lastIOStatus = nil
	r.mu.Unlock()
}

// LastIOStatus returns the recorded outcome and whether any I/O happened.
func (r *Referral) LastIOStatus() (performed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ioPerformed, r.lastIOStatus
}

// Target splits NetPath into host, share and remaining path.
func (r *Referral) Target() (host, share, rest string, err error) {
	return splitUNC(r.NetPath)
}

func (r *Referral) String() string {
	if r.IsNameList() {
		return fmt.Sprintf("v%d %s -> %v", r.Version, r.SpecialName, r.ExpandedNames)
	}
	return fmt.Sprintf("v%d %s -> %s (ttl %s)", r.Version, r.Consumed, r.NetPath, r.TTL)
}

// ReferralParser decodes a raw referral response for requestPath.
type ReferralParser func(buf []byte, requestPath string) ([]*Referral, error)

// ParseReferrals decodes a RESP_GET_DFS_REFERRAL buffer (versions 1 to 4).
// String offsets inside an entry are relative to the start of that entry.
func ParseReferrals(buf []byte, requestPath string) ([]*Referral, error) {
	r := NewByteReader(buf)
	consumedBytes := int(r.ReadUint16())
	count := int(r.ReadUint16())
	headerFlags := r.ReadUint32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidReferral, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: no referral entries", ErrInvalidReferral)
	}

	consumedUnits := consumedBytes / 2
	consumed := prefixUTF16(requestPath, consumedUnits)

	refs := make([]*Referral, 0, count)
	off := referralHeaderSize
	for i := 0; i < count; i++ {
		ref, size, err := parseReferralEntry(r, off)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidReferral, i, err)
		}
		ref.PathConsumed = consumedUnits
		ref.Consumed = consumed
		ref.ReferralServers = headerFlags&DFSReferralServers != 0
		ref.StorageServers = headerFlags&DFSStorageServers != 0
		refs = append(refs, ref)
		off += size
	}
	return refs, nil
}

func parseReferralEntry(r *ByteReader, start int) (*Referral, int, error) {
	r.Seek(start)
	version := r.ReadUint16()
	size := int(r.ReadUint16())
	serverType := r.ReadUint16()
	flags := r.ReadUint16()
	if err := r.Err(); err != nil {
		return nil, 0, err
	}
	if size < referralEntryFixedLen || start+size > r.Len() {
		return nil, 0, fmt.Errorf("entry size %d out of range", size)
	}

	ref := &Referral{
		Version: version,
		Root:    serverType == DFSServerTypeRoot,
	}
	str := func(rel uint16) string {
		if rel == 0 {
			return ""
		}
		return r.UTF16StringAt(start + int(rel))
	}

	switch version {
	case 1:
		ref.NetPath = r.ReadUTF16StringZ()
	case 2:
		ref.Proximity = r.ReadUint32()
		ref.TTL = time.Duration(r.ReadUint32()) * time.Second
		pathOff, altOff, netOff := r.ReadUint16(), r.ReadUint16(), r.ReadUint16()
		ref.Path, ref.AltPath, ref.NetPath = str(pathOff), str(altOff), str(netOff)
	case 3, 4:
		ref.TTL = time.Duration(r.ReadUint32()) * time.Second
		ref.TargetSetBoundary = version == 4 && flags&DFSTargetSetBoundary != 0
		if flags&DFSNameListReferral != 0 {
			specialOff := r.ReadUint16()
			n := int(r.ReadUint16())
			expOff := r.ReadUint16()
			ref.SpecialName = str(specialOff)
			if n > 0 {
				saved := r.Position()
				r.Seek(start + int(expOff))
				for j := 0; j < n && r.Err() == nil; j++ {
					ref.ExpandedNames = append(ref.ExpandedNames, r.ReadUTF16StringZ())
				}
				r.Seek(saved)
			}
		} else {
			pathOff, altOff, netOff := r.ReadUint16(), r.ReadUint16(), r.ReadUint16()
			ref.Path, ref.AltPath, ref.NetPath = str(pathOff), str(altOff), str(netOff)
		}
	default:
		return nil, 0, fmt.Errorf("unsupported referral version %d", version)
	}
	if err := r.Err(); err != nil {
		return nil, 0, err
	}
	if !ref.IsNameList() && ref.NetPath == "" {
		return nil, 0, errors.New("empty network path")
	}
	return ref, size, nil
}

// prefixUTF16 returns the first n UTF-16 code units of s.
func prefixUTF16(s string, n int) string {
	units := utf16.Encode([]rune(s))
	if n >= len(units) {
		return s
	}
	if n <= 0 {
		return ""
	}
	return strings.TrimRight(string(utf16.Decode(units[:n])), `\`)
}

// EncodeReferrals builds a RESP_GET_DFS_REFERRAL buffer. consumed is the
// request prefix the referrals cover; each entry is encoded in its own
// Version (1 to 4) with its strings placed after the fixed part.
func EncodeReferrals(consumed string, headerFlags uint32, refs []*Referral) []byte {
	w := NewByteWriter(256)
	w.WriteUint16(uint16(utf16Len(consumed) * 2))
	w.WriteUint16(uint16(len(refs)))
	w.WriteUint32(headerFlags)
	for _, ref := range refs {
		w.WriteBytes(encodeReferralEntry(ref))
	}
	return w.Bytes()
}

func encodeReferralEntry(ref *Referral) []byte {
	serverType := DFSServerTypeLink
	if ref.Root {
		serverType = DFSServerTypeRoot
	}
	var flags uint16
	if ref.IsNameList() {
		flags |= DFSNameListReferral
	}
	if ref.TargetSetBoundary {
		flags |= DFSTargetSetBoundary
	}

	var fixed int
	switch {
	case ref.Version == 1:
		fixed = referralEntryFixedLen
	case ref.Version == 2:
		fixed = referralV2FixedLen
	case ref.IsNameList():
		fixed = referralNameListFixedLen
	default:
		fixed = referralV3FixedLen
	}

	var strs []string
	if ref.IsNameList() {
		strs = []string{ref.SpecialName}
	} else {
		strs = []string{ref.Path, ref.AltPath, ref.NetPath}
	}
	tail := NewByteWriter(128)
	offsets := make([]uint16, len(strs))
	for i, s := range strs {
		offsets[i] = uint16(fixed + tail.Len())
		tail.WriteUTF16StringZ(s)
	}
	expOff := uint16(fixed + tail.Len())
	for _, n := range ref.ExpandedNames {
		tail.WriteUTF16StringZ(n)
	}

	w := NewByteWriter(fixed + tail.Len())
	w.WriteUint16(ref.Version)
	w.WriteUint16(0) // size, patched below
	w.WriteUint16(serverType)
	w.WriteUint16(flags)
	switch {
	case ref.Version == 1:
		w.WriteUTF16StringZ(ref.NetPath)
		w.SetUint16At(2, uint16(w.Len()))
		return w.Bytes()
	case ref.Version == 2:
		w.WriteUint32(ref.Proximity)
		w.WriteUint32(uint32(ref.TTL / time.Second))
		w.WriteUint16(offsets[0])
		w.WriteUint16(offsets[1])
		w.WriteUint16(offsets[2])
	case ref.IsNameList():
		w.WriteUint32(uint32(ref.TTL / time.Second))
		w.WriteUint16(offsets[0])
		w.WriteUint16(uint16(len(ref.ExpandedNames)))
		w.WriteUint16(expOff)
	default:
		w.WriteUint32(uint32(ref.TTL / time.Second))
		w.WriteUint16(offsets[0])
		w.WriteUint16(offsets[1])
		w.WriteUint16(offsets[2])
	}
	w.WriteZeros(fixed - w.Len())
	w.WriteBytes(tail.Bytes())
	w.SetUint16At(2, uint16(w.Len()))
	return w.Bytes()
}
