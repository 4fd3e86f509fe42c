package smbdfs

import (
	"errors"
	"testing"
	"time"
)

func TestParseReferrals_V1(t *testing.T) {
	request := `\corp\dfs\projects\alpha`
	buf := EncodeReferrals(`\corp\dfs\`, 0, []*Referral{
		{Version: 1, NetPath: `\fs1\projects`},
	})
	// PathConsumed counts bytes: 20 bytes are 10 UTF-16 units.
	buf[0], buf[1] = 20, 0

	refs, err := ParseReferrals(buf, request)
	if err != nil {
		t.Fatalf("ParseReferrals() error = %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("got %d referrals, want 1", len(refs))
	}
	r := refs[0]
	if r.PathConsumed != 10 {
		t.Errorf("PathConsumed = %d, want 10", r.PathConsumed)
	}
	if r.Consumed != `\corp\dfs` {
		t.Errorf("Consumed = %q, want %q", r.Consumed, `\corp\dfs`)
	}
	if r.NetPath != `\fs1\projects` {
		t.Errorf("NetPath = %q", r.NetPath)
	}
	if r.TTL != 0 {
		t.Errorf("TTL = %v, want 0 for version 1", r.TTL)
	}
}

func TestParseReferrals_Versions(t *testing.T) {
	request := `\corp\dfs\projects\alpha\file.txt`
	consumed := `\corp\dfs\projects`

	for _, version := range []uint16{2, 3, 4} {
		refs := []*Referral{
			{Version: version, Path: consumed, NetPath: `\fs1\projects`, TTL: 300 * time.Second, Proximity: 7},
			{Version: version, Path: consumed, NetPath: `\fs2\projects`, TTL: 600 * time.Second, TargetSetBoundary: version == 4},
		}
		buf := EncodeReferrals(consumed, DFSStorageServers, refs)
		got, err := ParseReferrals(buf, request)
		if err != nil {
			t.Fatalf("v%d: ParseReferrals() error = %v", version, err)
		}
		if len(got) != 2 {
			t.Fatalf("v%d: got %d referrals, want 2", version, len(got))
		}
		for i, r := range got {
			if r.Version != version {
				t.Errorf("v%d: entry %d Version = %d", version, i, r.Version)
			}
			if r.Consumed != consumed || r.PathConsumed != len(consumed) {
				t.Errorf("v%d: entry %d Consumed = %q (%d)", version, i, r.Consumed, r.PathConsumed)
			}
			if r.NetPath != refs[i].NetPath || r.Path != consumed {
				t.Errorf("v%d: entry %d paths = %q, %q", version, i, r.Path, r.NetPath)
			}
			if r.TTL != refs[i].TTL {
				t.Errorf("v%d: entry %d TTL = %v, want %v", version, i, r.TTL, refs[i].TTL)
			}
			if !r.StorageServers || r.ReferralServers {
				t.Errorf("v%d: entry %d header flags not applied", version, i)
			}
		}
		if version == 2 && got[0].Proximity != 7 {
			t.Errorf("v2: Proximity = %d, want 7", got[0].Proximity)
		}
		if version == 4 && !got[1].TargetSetBoundary {
			t.Error("v4: TargetSetBoundary not decoded")
		}
	}
}

func TestParseReferrals_NameList(t *testing.T) {
	buf := EncodeReferrals(`\corp.example.com`, 0, []*Referral{
		{
			Version:       3,
			SpecialName:   `\corp.example.com`,
			ExpandedNames: []string{`\dc1.corp.example.com`, `\dc2.corp.example.com`},
			TTL:           600 * time.Second,
		},
	})
	refs, err := ParseReferrals(buf, `\corp.example.com`)
	if err != nil {
		t.Fatalf("ParseReferrals() error = %v", err)
	}
	r := refs[0]
	if !r.IsNameList() || r.SpecialName != `\corp.example.com` {
		t.Fatalf("SpecialName = %q", r.SpecialName)
	}
	if len(r.ExpandedNames) != 2 || r.ExpandedNames[1] != `\dc2.corp.example.com` {
		t.Errorf("ExpandedNames = %q", r.ExpandedNames)
	}
}

func TestParseReferrals_Root(t *testing.T) {
	buf := EncodeReferrals(`\corp\dfs`, DFSReferralServers, []*Referral{
		{Version: 4, Root: true, Path: `\corp\dfs`, NetPath: `\ns1\dfs`, TTL: time.Minute},
	})
	refs, err := ParseReferrals(buf, `\corp\dfs\x`)
	if err != nil {
		t.Fatalf("ParseReferrals() error = %v", err)
	}
	if !refs[0].Root || !refs[0].ReferralServers {
		t.Errorf("root referral decoded as %+v", refs[0])
	}
	host, share, rest, err := refs[0].Target()
	if err != nil || host != "ns1" || share != "dfs" || rest != "" {
		t.Errorf("Target() = %q, %q, %q, %v", host, share, rest, err)
	}
}

func TestParseReferrals_Malformed(t *testing.T) {
	good := EncodeReferrals(`\corp\dfs`, 0, []*Referral{{Version: 4, Path: `\corp\dfs`, NetPath: `\fs1\dfs`}})

	unsupported := append([]byte(nil), good...)
	unsupported[referralHeaderSize] = 9

	badSize := append([]byte(nil), good...)
	badSize[referralHeaderSize+2] = 0xff

	noEntries := append([]byte(nil), good[:referralHeaderSize]...)
	noEntries[2] = 0

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short header", good[:4]},
		{"no entries", noEntries},
		{"truncated entry", good[:referralHeaderSize+10]},
		{"unsupported version", unsupported},
		{"size out of range", badSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReferrals(tt.buf, `\corp\dfs`)
			if !errors.Is(err, ErrInvalidReferral) {
				t.Errorf("ParseReferrals() error = %v, want ErrInvalidReferral", err)
			}
		})
	}
}

func TestReferral_IOStatus(t *testing.T) {
	r := &Referral{NetPath: `\fs1\projects`}
	if r.failed() {
		t.Fatal("fresh referral reported as failed")
	}
	if performed, _ := r.LastIOStatus(); performed {
		t.Fatal("fresh referral reported I/O")
	}

	r.markIO(statusError("create", STATUS_PATH_NOT_COVERED))
	if r.failed() {
		t.Error("path-not-covered should not count as a failed target")
	}

	r.markIO(statusError("tree connect", STATUS_BAD_NETWORK_NAME))
	if !r.failed() {
		t.Error("bad network name should mark the target failed")
	}

	r.reset()
	if performed, err := r.LastIOStatus(); performed || err != nil || r.failed() {
		t.Errorf("reset() left %v, %v", performed, err)
	}
}

func TestPrefixUTF16(t *testing.T) {
	tests := []struct {
		s    string
		n    int
		want string
	}{
		{`\corp\dfs\x`, 9, `\corp\dfs`},
		{`\corp\dfs\x`, 10, `\corp\dfs`},
		{`\corp\dfs`, 50, `\corp\dfs`},
		{`\corp`, 0, ""},
		{`\ü𝄞\x`, 4, `\ü𝄞`},
	}
	for _, tt := range tests {
		if got := prefixUTF16(tt.s, tt.n); got != tt.want {
			t.Errorf("prefixUTF16(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
		}
	}
}

func TestEncodeReferrals_EntryLayout(t *testing.T) {
	tests := []struct {
		name      string
		ref       *Referral
		offsetAt  int
		wantFixed uint16
	}{
		{"v2", &Referral{Version: 2, Path: `\a\b`, NetPath: `\c\d`}, 16, referralV2FixedLen},
		{"v3", &Referral{Version: 3, Path: `\a\b`, NetPath: `\c\d`}, 12, referralV3FixedLen},
		{"v4", &Referral{Version: 4, Path: `\a\b`, NetPath: `\c\d`}, 12, referralV3FixedLen},
		{"name list", &Referral{Version: 3, SpecialName: `\corp`, ExpandedNames: []string{`\dc1`}}, 12, referralNameListFixedLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := EncodeReferrals(`\a\b`, 0, []*Referral{tt.ref})[referralHeaderSize:]
			// The first string starts right after the fixed part.
			off := uint16(entry[tt.offsetAt]) | uint16(entry[tt.offsetAt+1])<<8
			if off != tt.wantFixed {
				t.Errorf("first string offset = %d, want %d", off, tt.wantFixed)
			}
			if size := int(entry[2]) | int(entry[3])<<8; size != len(entry) {
				t.Errorf("Size = %d, want %d", size, len(entry))
			}
		})
	}
}
