package smbdfs

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"
)

func TestCredentials_Hashes(t *testing.T) {
	c := &Credentials{Username: "User", Domain: "Domain", Password: "Password"}

	if got := hex.EncodeToString(c.NTHash()); got != "a4f49c406510bdcab6824ee7c30fd852" {
		t.Errorf("NTHash() = %s", got)
	}
	if got := hex.EncodeToString(c.NTv2Hash()); got != "0c868a403bfd7a93a3001ef22ef02e3f" {
		t.Errorf("NTv2Hash() = %s", got)
	}

	withHash := &Credentials{Hash: []byte{1, 2, 3}}
	if !bytes.Equal(withHash.NTHash(), []byte{1, 2, 3}) {
		t.Error("an explicit hash should be used as is")
	}
}

func TestCredentials_Key(t *testing.T) {
	tests := []struct {
		creds *Credentials
		want  string
	}{
		{nil, `\guest`},
		{GuestCredentials(), `\guest`},
		{&Credentials{Domain: "CORP", Username: "jdoe"}, `CORP\jdoe`},
		{&Credentials{Username: "jdoe"}, `\jdoe`},
	}
	for _, tt := range tests {
		if got := tt.creds.key(); got != tt.want {
			t.Errorf("key() = %q, want %q", got, tt.want)
		}
	}
}

func TestCredentials_HashedAndWipe(t *testing.T) {
	orig := &Credentials{Domain: "CORP", Username: "jdoe", Password: "secret"}
	h := orig.hashed()

	if h.Password != "" {
		t.Error("hashed copy kept the password")
	}
	if !bytes.Equal(h.NTHash(), orig.NTHash()) {
		t.Error("hashed copy has a different NT hash")
	}

	h.wipe()
	if h.Hash != nil {
		t.Error("wipe left the hash")
	}
	if orig.Password != "secret" {
		t.Error("wipe touched the caller's credentials")
	}
}

func TestDefaultLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := newTextLogger(&buf, "warn")

	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("shown %d", 3)
	l.Error("shown %s", "four")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below WARN were written: %s", out)
	}
	for _, want := range []string{"shown 3", "shown four", "component=smbdfs"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
