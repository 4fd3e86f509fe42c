package smbdfs

// IOCTL control codes
const (
	FSCTL_DFS_GET_REFERRALS       uint32 = 0x00060194
	FSCTL_DFS_GET_REFERRALS_EX    uint32 = 0x000601B0
	FSCTL_PIPE_TRANSCEIVE         uint32 = 0x0011C017
	FSCTL_VALIDATE_NEGOTIATE_INFO uint32 = 0x00140204
)

// SMB2_0_IOCTL_IS_FSCTL marks an IOCTL request as a file system control.
const SMB2_0_IOCTL_IS_FSCTL uint32 = 0x00000001

// Fixed parts of SMB2 IOCTL request and response bodies.
const (
	ioctlRequestSize  = 56
	ioctlResponseSize = 48
)

// dfsFileID is the file id referral requests are sent against.
var dfsFileID = FileID{Persistent: ^uint64(0), Volatile: ^uint64(0)}

// EncodeReferralRequest builds a REQ_GET_DFS_REFERRAL payload for path.
func EncodeReferralRequest(path string, maxLevel uint16) []byte {
	w := NewByteWriter(2 + (utf16Len(path)+1)*2)
	w.WriteUint16(maxLevel)
	w.WriteUTF16StringZ(path)
	return w.Bytes()
}

// DecodeReferralRequest splits a REQ_GET_DFS_REFERRAL payload.
func DecodeReferralRequest(input []byte) (maxLevel uint16, path string, err error) {
	r := NewByteReader(input)
	maxLevel = r.ReadUint16()
	path = r.ReadUTF16StringZ()
	if r.Err() != nil {
		return 0, "", ErrInvalidMessage
	}
	return maxLevel, path, nil
}

// EncodeIoctlRequest builds an SMB2 IOCTL request body carrying input.
func EncodeIoctlRequest(ctlCode uint32, fid FileID, input []byte, maxOutput uint32) []byte {
	w := NewByteWriter(ioctlRequestSize + len(input))
	w.WriteUint16(57) // StructureSize
	w.WriteUint16(0)  // Reserved
	w.WriteUint32(ctlCode)
	w.WriteUint64(fid.Persistent)
	w.WriteUint64(fid.Volatile)
	w.WriteUint32(SMB2HeaderSize + ioctlRequestSize) // InputOffset
	w.WriteUint32(uint32(len(input)))
	w.WriteUint32(0) // MaxInputResponse
	w.WriteUint32(0) // OutputOffset
	w.WriteUint32(0) // OutputCount
	w.WriteUint32(maxOutput)
	w.WriteUint32(SMB2_0_IOCTL_IS_FSCTL)
	w.WriteUint32(0) // Reserved2
	w.WriteBytes(input)
	return w.Bytes()
}

// DecodeIoctlResponse returns the output buffer of an SMB2 IOCTL response
// body. Offsets in the response are relative to the start of the header.
func DecodeIoctlResponse(body []byte) ([]byte, error) {
	r := NewByteReader(body)
	if size := r.ReadUint16(); size != 49 {
		return nil, ErrInvalidMessage
	}
	r.Skip(2 + 4 + 16 + 4 + 4) // reserved, ctl code, file id, input offset/count
	outOff := int(r.ReadUint32()) - SMB2HeaderSize
	outLen := int(r.ReadUint32())
	if r.Err() != nil {
		return nil, ErrInvalidMessage
	}
	r.Seek(outOff)
	out := r.ReadBytes(outLen)
	if r.Err() != nil {
		return nil, ErrInvalidMessage
	}
	return out, nil
}

// DecodeIoctlRequest returns the control code and input buffer of an SMB2
// IOCTL request body.
func DecodeIoctlRequest(body []byte) (ctlCode uint32, input []byte, err error) {
	r := NewByteReader(body)
	if size := r.ReadUint16(); size != 57 {
		return 0, nil, ErrInvalidMessage
	}
	r.Skip(2)
	ctlCode = r.ReadUint32()
	r.Skip(16)
	inOff := int(r.ReadUint32()) - SMB2HeaderSize
	inLen := int(r.ReadUint32())
	if r.Err() != nil {
		return 0, nil, ErrInvalidMessage
	}
	r.Seek(inOff)
	input = r.ReadBytes(inLen)
	if r.Err() != nil {
		return 0, nil, ErrInvalidMessage
	}
	return ctlCode, input, nil
}

// EncodeIoctlResponse builds an SMB2 IOCTL response body carrying output.
func EncodeIoctlResponse(ctlCode uint32, fid FileID, output []byte) []byte {
	w := NewByteWriter(ioctlResponseSize + len(output))
	w.WriteUint16(49) // StructureSize
	w.WriteUint16(0)  // Reserved
	w.WriteUint32(ctlCode)
	w.WriteUint64(fid.Persistent)
	w.WriteUint64(fid.Volatile)
	w.WriteUint32(0) // InputOffset
	w.WriteUint32(0) // InputCount
	w.WriteUint32(SMB2HeaderSize + ioctlResponseSize)
	w.WriteUint32(uint32(len(output)))
	w.WriteUint32(0) // Flags
	w.WriteUint32(0) // Reserved2
	w.WriteBytes(output)
	return w.Bytes()
}
