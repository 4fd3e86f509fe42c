package smbdfs

import "fmt"

// SMB2 Command opcodes
const (
	SMB2_NEGOTIATE       uint16 = 0x0000
	SMB2_SESSION_SETUP   uint16 = 0x0001
	SMB2_LOGOFF          uint16 = 0x0002
	SMB2_TREE_CONNECT    uint16 = 0x0003
	SMB2_TREE_DISCONNECT uint16 = 0x0004
	SMB2_CREATE          uint16 = 0x0005
	SMB2_CLOSE           uint16 = 0x0006
	SMB2_FLUSH           uint16 = 0x0007
	SMB2_READ            uint16 = 0x0008
	SMB2_WRITE           uint16 = 0x0009
	SMB2_LOCK            uint16 = 0x000A
	SMB2_IOCTL           uint16 = 0x000B
	SMB2_CANCEL          uint16 = 0x000C
	SMB2_ECHO            uint16 = 0x000D
	SMB2_QUERY_DIRECTORY uint16 = 0x000E
	SMB2_CHANGE_NOTIFY   uint16 = 0x000F
	SMB2_QUERY_INFO      uint16 = 0x0010
	SMB2_SET_INFO        uint16 = 0x0011
	SMB2_OPLOCK_BREAK    uint16 = 0x0012
)

// SMB2 header flags
const (
	SMB2_FLAGS_SERVER_TO_REDIR   uint32 = 0x00000001
	SMB2_FLAGS_ASYNC_COMMAND     uint32 = 0x00000002
	SMB2_FLAGS_RELATED_OPERATION uint32 = 0x00000004
	SMB2_FLAGS_SIGNED            uint32 = 0x00000008
	SMB2_FLAGS_DFS_OPERATIONS    uint32 = 0x10000000
)

var commandNames = [...]string{
	SMB2_NEGOTIATE:       "NEGOTIATE",
	SMB2_SESSION_SETUP:   "SESSION_SETUP",
	SMB2_LOGOFF:          "LOGOFF",
	SMB2_TREE_CONNECT:    "TREE_CONNECT",
	SMB2_TREE_DISCONNECT: "TREE_DISCONNECT",
	SMB2_CREATE:          "CREATE",
	SMB2_CLOSE:           "CLOSE",
	SMB2_FLUSH:           "FLUSH",
	SMB2_READ:            "READ",
	SMB2_WRITE:           "WRITE",
	SMB2_LOCK:            "LOCK",
	SMB2_IOCTL:           "IOCTL",
	SMB2_CANCEL:          "CANCEL",
	SMB2_ECHO:            "ECHO",
	SMB2_QUERY_DIRECTORY: "QUERY_DIRECTORY",
	SMB2_CHANGE_NOTIFY:   "CHANGE_NOTIFY",
	SMB2_QUERY_INFO:      "QUERY_INFO",
	SMB2_SET_INFO:        "SET_INFO",
	SMB2_OPLOCK_BREAK:    "OPLOCK_BREAK",
}

// CommandName returns the human-readable name for an SMB2 command
func CommandName(cmd uint16) string {
	if int(cmd) < len(commandNames) {
		return commandNames[cmd]
	}
	return "UNKNOWN"
}

// Header is the fixed 64-byte SMB2 sync header.
type Header struct {
	CreditCharge uint16
	Status       NTStatus
	Command      uint16
	Credits      uint16 // request on the way out, grant on the way in
	Flags        uint32
	NextCommand  uint32
	MessageID    uint64
	TreeID       uint32
	SessionID    uint64
	Signature    [16]byte
}

// IsResponse reports whether the header was sent by a server.
func (h *Header) IsResponse() bool {
	return h.Flags&SMB2_FLAGS_SERVER_TO_REDIR != 0
}

// Marshal encodes the header followed by body.
func (h *Header) Marshal(body []byte) []byte {
	w := NewByteWriter(SMB2HeaderSize + len(body))
	w.WriteBytes([]byte(SMB2ProtocolID))
	w.WriteUint16(SMB2HeaderSize)
	w.WriteUint16(h.CreditCharge)
	w.WriteUint32(uint32(h.Status))
	w.WriteUint16(h.Command)
	w.WriteUint16(h.Credits)
	w.WriteUint32(h.Flags)
	w.WriteUint32(h.NextCommand)
	w.WriteUint64(h.MessageID)
	w.WriteUint32(0) // reserved
	w.WriteUint32(h.TreeID)
	w.WriteUint64(h.SessionID)
	w.WriteGUID(h.Signature)
	w.WriteBytes(body)
	return w.Bytes()
}

// ParseHeader decodes an SMB2 header and returns the remaining body.
func ParseHeader(msg []byte) (*Header, []byte, error) {
	if len(msg) < SMB2HeaderSize || string(msg[:4]) != SMB2ProtocolID {
		return nil, nil, fmt.Errorf("%w: not an SMB2 message", ErrInvalidMessage)
	}
	r := NewByteReader(msg)
	r.Skip(4)
	if size := r.ReadUint16(); size != SMB2HeaderSize {
		return nil, nil, fmt.Errorf("%w: header size %d", ErrInvalidMessage, size)
	}
	h := &Header{}
	h.CreditCharge = r.ReadUint16()
	h.Status = NTStatus(r.ReadUint32())
	h.Command = r.ReadUint16()
	h.Credits = r.ReadUint16()
	h.Flags = r.ReadUint32()
	h.NextCommand = r.ReadUint32()
	h.MessageID = r.ReadUint64()
	r.Skip(4)
	h.TreeID = r.ReadUint32()
	h.SessionID = r.ReadUint64()
	h.Signature = r.ReadGUID()
	if err := r.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return h, msg[SMB2HeaderSize:], nil
}
