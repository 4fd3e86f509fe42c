package smbdfs

import (
	"errors"
	"testing"
)

func TestJoinSMBPath(t *testing.T) {
	tests := []struct {
		elem []string
		want string
	}{
		{nil, ""},
		{[]string{""}, ""},
		{[]string{"a", "b"}, `a\b`},
		{[]string{`\a\`, "/b/c/"}, `a\b\c`},
		{[]string{"", `docs\x.txt`}, `docs\x.txt`},
		{[]string{"prefix", ""}, "prefix"},
	}
	for _, tt := range tests {
		if got := joinSMBPath(tt.elem...); got != tt.want {
			t.Errorf("joinSMBPath(%q) = %q, want %q", tt.elem, got, tt.want)
		}
	}
}

func TestSplitUNC(t *testing.T) {
	tests := []struct {
		in                string
		host, share, rest string
		wantErr           bool
	}{
		{in: `\\fs01\data`, host: "fs01", share: "data"},
		{in: `\fs01\data\dir\file.txt`, host: "fs01", share: "data", rest: `dir\file.txt`},
		{in: "//fs01/data/dir/", host: "fs01", share: "data", rest: "dir"},
		{in: `\\fs01`, wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		host, share, rest, err := splitUNC(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("splitUNC(%q) error = %v, want ErrInvalidPath", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitUNC(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if host != tt.host || share != tt.share || rest != tt.rest {
			t.Errorf("splitUNC(%q) = %q, %q, %q", tt.in, host, share, rest)
		}
	}
}

func TestDFSPath(t *testing.T) {
	if got := dfsPath("corp", "dfs", ""); got != `\corp\dfs` {
		t.Errorf("dfsPath without rest = %q", got)
	}
	if got := dfsPath("corp", "dfs", `\projects\a\`); got != `\corp\dfs\projects\a` {
		t.Errorf("dfsPath with rest = %q", got)
	}
}

func TestTrimPathPrefix(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		prefix string
		rest   string
		ok     bool
	}{
		{"exact", `\corp\dfs`, `\corp\dfs`, "", true},
		{"deeper", `\corp\dfs\a\b`, `\corp\dfs`, `a\b`, true},
		{"case insensitive", `\CORP\Dfs\A`, `\corp\dfs`, "A", true},
		{"component boundary", `\corp\dfsx\a`, `\corp\dfs`, "", false},
		{"prefix longer than path", `\corp`, `\corp\dfs`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest, ok := trimPathPrefix(tt.path, tt.prefix, '\\')
			if ok != tt.ok || rest != tt.rest {
				t.Errorf("trimPathPrefix(%q, %q) = %q, %v; want %q, %v", tt.path, tt.prefix, rest, ok, tt.rest, tt.ok)
			}
		})
	}
}

func TestFoldKey(t *testing.T) {
	if !equalFold("Straße", "STRASSE") {
		t.Error("full case folding should equate ß and SS")
	}
	if !equalFold(`\\FS01\Data`, `\\fs01\data`) {
		t.Error("UNC names should compare case-insensitively")
	}
	if equalFold("data", "date") {
		t.Error("different names compared equal")
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"valid absolute path", "/path/to/file", false},
		{"valid relative path", "path/to/file", false},
		{"backslashes", `\path\to\file`, false},
		{"empty path", "", true},
		{"null byte", "/path/to\x00/file", true},
		{"traversal", "../etc/passwd", true},
		{"traversal after clean", "/a/../../b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestToSMBPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/", ""},
		{"/a/b", `a\b`},
		{`a\b\..\c`, `a\c`},
		{"a//b/", `a\b`},
	}
	for _, tt := range tests {
		if got := toSMBPath(tt.in); got != tt.want {
			t.Errorf("toSMBPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := fromSMBPath(`dir\file`); got != "/dir/file" {
		t.Errorf("fromSMBPath = %q", got)
	}
}

func TestValidateMountPoint(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/data", false},
		{`\data\sub`, false},
		{"data", true},
		{"", true},
		{"/da*ta", true},
		{"/a:b", true},
		{"/a\x01b", true},
	}
	for _, tt := range tests {
		err := validateMountPoint(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateMountPoint(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestValidateRemote(t *testing.T) {
	tests := []struct {
		remote      string
		host, share string
		wantErr     bool
	}{
		{remote: `\\fs01\data`, host: "fs01", share: "data"},
		{remote: "//fs01/data", host: "fs01", share: "data"},
		{remote: `\\fs01\data\sub`, wantErr: true},
		{remote: `\\fs01`, wantErr: true},
		{remote: `\\\data`, wantErr: true},
		{remote: `\\fs01\da?ta`, wantErr: true},
		{remote: `fs01\data\x\y`, wantErr: true},
	}
	for _, tt := range tests {
		host, share, err := validateRemote(tt.remote)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateRemote(%q) error = %v, wantErr %v", tt.remote, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (host != tt.host || share != tt.share) {
			t.Errorf("validateRemote(%q) = %q, %q", tt.remote, host, share)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "anything.txt", true},
		{"*.TXT", "notes.txt", true},
		{"r?port.doc", "Report.doc", true},
		{"*.doc", "notes.txt", false},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}
