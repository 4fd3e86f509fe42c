package smbdfs

import "fmt"

// SMB2 protocol constants
const (
	// SMB2 protocol signature
	SMB2ProtocolID = "\xFESMB"

	// SMB2 header size
	SMB2HeaderSize = 64

	// Maximum sizes
	MaxTransactSize = 8 * 1024 * 1024 // 8MB
	MaxBufferSize   = 64 * 1024       // 64KB default buffer
)

// SMBDialect identifies a negotiated protocol revision.
type SMBDialect uint16

const (
	SMB1     SMBDialect = 0x0001 // NT LM 0.12, only used for DFS quirks
	SMB2_0_2 SMBDialect = 0x0202 // Windows Vista/Server 2008
	SMB2_1   SMBDialect = 0x0210 // Windows 7/Server 2008 R2
	SMB3_0   SMBDialect = 0x0300 // Windows 8/Server 2012
	SMB3_0_2 SMBDialect = 0x0302 // Windows 8.1/Server 2012 R2
	SMB3_1_1 SMBDialect = 0x0311 // Windows 10/Server 2016+
)

// String returns the dialect name
func (d SMBDialect) String() string {
	switch d {
	case SMB1:
		return "SMB 1"
	case SMB2_0_2:
		return "SMB 2.0.2"
	case SMB2_1:
		return "SMB 2.1"
	case SMB3_0:
		return "SMB 3.0"
	case SMB3_0_2:
		return "SMB 3.0.2"
	case SMB3_1_1:
		return "SMB 3.1.1"
	default:
		return "Unknown"
	}
}

// NTStatus is an NT status code as returned by a server.
type NTStatus uint32

const (
	STATUS_SUCCESS                  NTStatus = 0x00000000
	STATUS_PENDING                  NTStatus = 0x00000103
	STATUS_BUFFER_OVERFLOW          NTStatus = 0x80000005
	STATUS_NO_MORE_FILES            NTStatus = 0x80000006
	STATUS_INVALID_PARAMETER        NTStatus = 0xC000000D
	STATUS_NO_SUCH_FILE             NTStatus = 0xC000000F
	STATUS_INVALID_DEVICE_REQUEST   NTStatus = 0xC0000010
	STATUS_END_OF_FILE              NTStatus = 0xC0000011
	STATUS_NO_MEDIA_IN_DEVICE       NTStatus = 0xC0000013
	STATUS_MORE_PROCESSING_REQUIRED NTStatus = 0xC0000016
	STATUS_NO_MEMORY                NTStatus = 0xC0000017
	STATUS_ACCESS_DENIED            NTStatus = 0xC0000022
	STATUS_OBJECT_NAME_INVALID      NTStatus = 0xC0000033
	STATUS_OBJECT_NAME_NOT_FOUND    NTStatus = 0xC0000034
	STATUS_OBJECT_NAME_COLLISION    NTStatus = 0xC0000035
	STATUS_OBJECT_PATH_INVALID      NTStatus = 0xC0000039
	STATUS_OBJECT_PATH_NOT_FOUND    NTStatus = 0xC000003A
	STATUS_SHARING_VIOLATION        NTStatus = 0xC0000043
	STATUS_DELETE_PENDING           NTStatus = 0xC0000056
	STATUS_PRIVILEGE_NOT_HELD       NTStatus = 0xC0000061
	STATUS_LOGON_FAILURE            NTStatus = 0xC000006D
	STATUS_ACCOUNT_RESTRICTION      NTStatus = 0xC000006E
	STATUS_PASSWORD_EXPIRED         NTStatus = 0xC0000071
	STATUS_DISK_FULL                NTStatus = 0xC000007F
	STATUS_INSUFFICIENT_RESOURCES   NTStatus = 0xC000009A
	STATUS_DEVICE_NOT_CONNECTED     NTStatus = 0xC000009D
	STATUS_IO_TIMEOUT               NTStatus = 0xC00000B5
	STATUS_FILE_IS_A_DIRECTORY      NTStatus = 0xC00000BA
	STATUS_NOT_SUPPORTED            NTStatus = 0xC00000BB
	STATUS_BAD_NETWORK_PATH         NTStatus = 0xC00000BE
	STATUS_UNEXPECTED_NETWORK_ERROR NTStatus = 0xC00000C4
	STATUS_NETWORK_NAME_DELETED     NTStatus = 0xC00000C9
	STATUS_BAD_NETWORK_NAME         NTStatus = 0xC00000CC
	STATUS_NOT_SAME_DEVICE          NTStatus = 0xC00000D4
	STATUS_FILE_RENAMED             NTStatus = 0xC00000D5
	STATUS_DIRECTORY_NOT_EMPTY      NTStatus = 0xC0000101
	STATUS_NOT_A_DIRECTORY          NTStatus = 0xC0000103
	STATUS_CANCELLED                NTStatus = 0xC0000120
	STATUS_FILE_CLOSED              NTStatus = 0xC0000128
	STATUS_USER_SESSION_DELETED     NTStatus = 0xC0000203
	STATUS_NOT_FOUND                NTStatus = 0xC0000225
	STATUS_RETRY                    NTStatus = 0xC000022D
	STATUS_CONNECTION_REFUSED       NTStatus = 0xC0000236
	STATUS_CONNECTION_DISCONNECTED  NTStatus = 0xC000020C
	STATUS_CONNECTION_RESET         NTStatus = 0xC000020D
	STATUS_NETWORK_UNREACHABLE      NTStatus = 0xC000023C
	STATUS_HOST_UNREACHABLE         NTStatus = 0xC000023D
	STATUS_PATH_NOT_COVERED         NTStatus = 0xC0000257
	STATUS_NETWORK_SESSION_EXPIRED  NTStatus = 0xC000035C
	STATUS_FS_DRIVER_REQUIRED       NTStatus = 0xC000019C
)

// IsSuccess returns true if status indicates success
func (s NTStatus) IsSuccess() bool {
	return s == STATUS_SUCCESS
}

var statusNames = map[NTStatus]string{
	STATUS_SUCCESS:                  "STATUS_SUCCESS",
	STATUS_PENDING:                  "STATUS_PENDING",
	STATUS_BUFFER_OVERFLOW:          "STATUS_BUFFER_OVERFLOW",
	STATUS_NO_MORE_FILES:            "STATUS_NO_MORE_FILES",
	STATUS_INVALID_PARAMETER:        "STATUS_INVALID_PARAMETER",
	STATUS_NO_SUCH_FILE:             "STATUS_NO_SUCH_FILE",
	STATUS_INVALID_DEVICE_REQUEST:   "STATUS_INVALID_DEVICE_REQUEST",
	STATUS_END_OF_FILE:              "STATUS_END_OF_FILE",
	STATUS_NO_MEDIA_IN_DEVICE:       "STATUS_NO_MEDIA_IN_DEVICE",
	STATUS_MORE_PROCESSING_REQUIRED: "STATUS_MORE_PROCESSING_REQUIRED",
	STATUS_NO_MEMORY:                "STATUS_NO_MEMORY",
	STATUS_ACCESS_DENIED:            "STATUS_ACCESS_DENIED",
	STATUS_OBJECT_NAME_INVALID:      "STATUS_OBJECT_NAME_INVALID",
	STATUS_OBJECT_NAME_NOT_FOUND:    "STATUS_OBJECT_NAME_NOT_FOUND",
	STATUS_OBJECT_NAME_COLLISION:    "STATUS_OBJECT_NAME_COLLISION",
	STATUS_OBJECT_PATH_INVALID:      "STATUS_OBJECT_PATH_INVALID",
	STATUS_OBJECT_PATH_NOT_FOUND:    "STATUS_OBJECT_PATH_NOT_FOUND",
	STATUS_SHARING_VIOLATION:        "STATUS_SHARING_VIOLATION",
	STATUS_DELETE_PENDING:           "STATUS_DELETE_PENDING",
	STATUS_PRIVILEGE_NOT_HELD:       "STATUS_PRIVILEGE_NOT_HELD",
	STATUS_LOGON_FAILURE:            "STATUS_LOGON_FAILURE",
	STATUS_ACCOUNT_RESTRICTION:      "STATUS_ACCOUNT_RESTRICTION",
	STATUS_PASSWORD_EXPIRED:         "STATUS_PASSWORD_EXPIRED",
	STATUS_DISK_FULL:                "STATUS_DISK_FULL",
	STATUS_INSUFFICIENT_RESOURCES:   "STATUS_INSUFFICIENT_RESOURCES",
	STATUS_DEVICE_NOT_CONNECTED:     "STATUS_DEVICE_NOT_CONNECTED",
	STATUS_IO_TIMEOUT:               "STATUS_IO_TIMEOUT",
	STATUS_FILE_IS_A_DIRECTORY:      "STATUS_FILE_IS_A_DIRECTORY",
	STATUS_NOT_SUPPORTED:            "STATUS_NOT_SUPPORTED",
	STATUS_BAD_NETWORK_PATH:         "STATUS_BAD_NETWORK_PATH",
	STATUS_UNEXPECTED_NETWORK_ERROR: "STATUS_UNEXPECTED_NETWORK_ERROR",
	STATUS_NETWORK_NAME_DELETED:     "STATUS_NETWORK_NAME_DELETED",
	STATUS_BAD_NETWORK_NAME:         "STATUS_BAD_NETWORK_NAME",
	STATUS_NOT_SAME_DEVICE:          "STATUS_NOT_SAME_DEVICE",
	STATUS_FILE_RENAMED:             "STATUS_FILE_RENAMED",
	STATUS_DIRECTORY_NOT_EMPTY:      "STATUS_DIRECTORY_NOT_EMPTY",
	STATUS_NOT_A_DIRECTORY:          "STATUS_NOT_A_DIRECTORY",
	STATUS_CANCELLED:                "STATUS_CANCELLED",
	STATUS_FILE_CLOSED:              "STATUS_FILE_CLOSED",
	STATUS_USER_SESSION_DELETED:     "STATUS_USER_SESSION_DELETED",
	STATUS_NOT_FOUND:                "STATUS_NOT_FOUND",
	STATUS_RETRY:                    "STATUS_RETRY",
	STATUS_CONNECTION_REFUSED:       "STATUS_CONNECTION_REFUSED",
	STATUS_CONNECTION_DISCONNECTED:  "STATUS_CONNECTION_DISCONNECTED",
	STATUS_CONNECTION_RESET:         "STATUS_CONNECTION_RESET",
	STATUS_NETWORK_UNREACHABLE:      "STATUS_NETWORK_UNREACHABLE",
	STATUS_HOST_UNREACHABLE:         "STATUS_HOST_UNREACHABLE",
	STATUS_PATH_NOT_COVERED:         "STATUS_PATH_NOT_COVERED",
	STATUS_NETWORK_SESSION_EXPIRED:  "STATUS_NETWORK_SESSION_EXPIRED",
	STATUS_FS_DRIVER_REQUIRED:       "STATUS_FS_DRIVER_REQUIRED",
}

// String returns the status name
func (s NTStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_0x%08X", uint32(s))
}

// FileID is a 128-bit SMB2 file identifier
type FileID struct {
	Persistent uint64
	Volatile   uint64
}

// SMB2 Access Mask (desired access rights)
const (
	FILE_READ_DATA        uint32 = 0x00000001
	FILE_WRITE_DATA       uint32 = 0x00000002
	FILE_APPEND_DATA      uint32 = 0x00000004
	FILE_READ_EA          uint32 = 0x00000008
	FILE_WRITE_EA         uint32 = 0x00000010
	FILE_EXECUTE          uint32 = 0x00000020
	FILE_READ_ATTRIBUTES  uint32 = 0x00000080
	FILE_WRITE_ATTRIBUTES uint32 = 0x00000100
	DELETE                uint32 = 0x00010000
	READ_CONTROL          uint32 = 0x00020000
	SYNCHRONIZE           uint32 = 0x00100000
	MAXIMUM_ALLOWED       uint32 = 0x02000000
	GENERIC_ALL           uint32 = 0x10000000
	GENERIC_EXECUTE       uint32 = 0x20000000
	GENERIC_WRITE         uint32 = 0x40000000
	GENERIC_READ          uint32 = 0x80000000
)

// SMB2 Share Access
const (
	FILE_SHARE_READ   uint32 = 0x00000001
	FILE_SHARE_WRITE  uint32 = 0x00000002
	FILE_SHARE_DELETE uint32 = 0x00000004

	FILE_SHARE_ALL = FILE_SHARE_READ | FILE_SHARE_WRITE | FILE_SHARE_DELETE
)

// SMB2 Create Disposition
const (
	FILE_SUPERSEDE    uint32 = 0x00000000 // If exists, replace; if not, create
	FILE_OPEN         uint32 = 0x00000001 // Open existing file
	FILE_CREATE       uint32 = 0x00000002 // Create new file; fail if exists
	FILE_OPEN_IF      uint32 = 0x00000003 // Open if exists; create if not
	FILE_OVERWRITE    uint32 = 0x00000004 // Open and overwrite; fail if not exists
	FILE_OVERWRITE_IF uint32 = 0x00000005 // Open and overwrite; create if not
)

// SMB2 Create Options
const (
	FILE_DIRECTORY_FILE     uint32 = 0x00000001
	FILE_WRITE_THROUGH      uint32 = 0x00000002
	FILE_NON_DIRECTORY_FILE uint32 = 0x00000040
	FILE_DELETE_ON_CLOSE    uint32 = 0x00001000
	FILE_OPEN_REPARSE_POINT uint32 = 0x00200000
)

// SMB2 Capabilities
const (
	SMB2_GLOBAL_CAP_DFS                uint32 = 0x00000001
	SMB2_GLOBAL_CAP_LEASING            uint32 = 0x00000002
	SMB2_GLOBAL_CAP_LARGE_MTU          uint32 = 0x00000004
	SMB2_GLOBAL_CAP_MULTI_CHANNEL      uint32 = 0x00000008
	SMB2_GLOBAL_CAP_PERSISTENT_HANDLES uint32 = 0x00000010
	SMB2_GLOBAL_CAP_DIRECTORY_LEASING  uint32 = 0x00000020
	SMB2_GLOBAL_CAP_ENCRYPTION         uint32 = 0x00000040
)

// SMB2 Share Type
const (
	SMB2_SHARE_TYPE_DISK  uint8 = 0x01
	SMB2_SHARE_TYPE_PIPE  uint8 = 0x02
	SMB2_SHARE_TYPE_PRINT uint8 = 0x03
)

// SMB2 Share Flags
const (
	SMB2_SHAREFLAG_DFS          uint32 = 0x00000001
	SMB2_SHAREFLAG_DFS_ROOT     uint32 = 0x00000002
	SMB2_SHAREFLAG_ENCRYPT_DATA uint32 = 0x00008000
)

// SMB2 Share Capabilities
const (
	SMB2_SHARE_CAP_DFS                     uint32 = 0x00000008
	SMB2_SHARE_CAP_CONTINUOUS_AVAILABILITY uint32 = 0x00000010
)
