package smbdfs

import (
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"testing"

	"github.com/hirochachacha/go-smb2"
)

func TestCreateFlags(t *testing.T) {
	tests := []struct {
		name string
		opts OpenOptions
		want int
	}{
		{"read", OpenOptions{Access: GENERIC_READ, Disposition: FILE_OPEN}, os.O_RDONLY},
		{"attributes only", OpenOptions{Access: FILE_READ_ATTRIBUTES, Disposition: FILE_OPEN}, os.O_RDONLY},
		{"write", OpenOptions{Access: FILE_WRITE_DATA, Disposition: FILE_OPEN}, os.O_WRONLY},
		{"read write", OpenOptions{Access: GENERIC_READ | GENERIC_WRITE, Disposition: FILE_OPEN}, os.O_RDWR},
		{"exclusive", OpenOptions{Access: GENERIC_ALL, Disposition: FILE_CREATE}, os.O_RDWR | os.O_CREATE | os.O_EXCL},
		{"open if", OpenOptions{Access: GENERIC_WRITE, Disposition: FILE_OPEN_IF}, os.O_WRONLY | os.O_CREATE},
		{"overwrite if", OpenOptions{Access: GENERIC_WRITE, Disposition: FILE_OVERWRITE_IF}, os.O_WRONLY | os.O_CREATE | os.O_TRUNC},
		{"supersede", OpenOptions{Access: GENERIC_WRITE, Disposition: FILE_SUPERSEDE}, os.O_WRONLY | os.O_CREATE | os.O_TRUNC},
		{"overwrite", OpenOptions{Access: GENERIC_WRITE, Disposition: FILE_OVERWRITE}, os.O_WRONLY | os.O_TRUNC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := createFlags(tt.opts); got != tt.want {
				t.Errorf("createFlags() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

// The flags round-trip through the os.OpenFile mapping the client uses.
func TestCreateFlags_MatchesOpenFlags(t *testing.T) {
	for _, flag := range []int{
		os.O_RDONLY,
		os.O_RDWR,
		os.O_RDWR | os.O_CREATE,
		os.O_RDWR | os.O_CREATE | os.O_EXCL,
		os.O_RDWR | os.O_CREATE | os.O_TRUNC,
	} {
		if got := createFlags(openOptionsFromFlags(flag)); got != flag {
			t.Errorf("createFlags(openOptionsFromFlags(%#x)) = %#x", flag, got)
		}
	}
}

func TestMapSMB2Error(t *testing.T) {
	if err := mapSMB2Error("read", nil); err != nil {
		t.Fatalf("nil error mapped to %v", err)
	}

	err := mapSMB2Error("open", &smb2.ResponseError{Code: uint32(STATUS_OBJECT_NAME_NOT_FOUND)})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != STATUS_OBJECT_NAME_NOT_FOUND || se.Op != "open" {
		t.Errorf("response error mapped to %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("%v should match fs.ErrNotExist", err)
	}

	err = mapSMB2Error("read", &smb2.ResponseError{Code: uint32(STATUS_USER_SESSION_DELETED)})
	if Classify(err) != ClassReconnect {
		t.Errorf("session deleted classified as %v", Classify(err))
	}

	reconnects := []error{
		&smb2.TransportError{Err: io.EOF},
		&net.OpError{Op: "read", Net: "tcp", Err: errors.New("reset")},
		io.ErrUnexpectedEOF,
		net.ErrClosed,
	}
	for _, in := range reconnects {
		if err := mapSMB2Error("read", in); !errors.Is(err, ErrReconnectRequired) {
			t.Errorf("mapSMB2Error(%v) = %v, want reconnect required", in, err)
		}
	}

	other := errors.New("boom")
	err = mapSMB2Error("write", other)
	if !errors.Is(err, other) || Classify(err) != ClassTerminal {
		t.Errorf("plain error mapped to %v (%v)", err, Classify(err))
	}
}

func TestSMB2Dialect_Identity(t *testing.T) {
	d := NewSMB2Dialect()
	if d.Name() != "smb2" {
		t.Errorf("Name() = %q", d.Name())
	}
	if q := d.Quirks(); q.CreateBeforeMove || q.UseFullPath {
		t.Errorf("Quirks() = %+v, want none", q)
	}
}
