package smbdfs

import (
	"crypto/hmac"
	"crypto/md5"
	"strings"

	"golang.org/x/crypto/md4"
)

// Credentials identify a user to a server. The client keeps the caller's
// pointer; it never copies or frees credentials it did not allocate.
type Credentials struct {
	Username    string
	Domain      string
	Workstation string
	Password    string
	// Hash is the NT hash, used instead of Password when set.
	Hash  []byte
	Guest bool
}

// GuestCredentials returns credentials for an anonymous guest logon.
func GuestCredentials() *Credentials {
	return &Credentials{Username: "Guest", Guest: true}
}

// key is the identity under which a User is registered on a Server.
func (c *Credentials) key() string {
	if c == nil || c.Guest {
		return `\guest`
	}
	return c.Domain + `\` + c.Username
}

// NTHash returns the NT hash (MD4 of the UTF-16LE password).
func (c *Credentials) NTHash() []byte {
	if len(c.Hash) > 0 {
		return c.Hash
	}
	h := md4.New()
	h.Write(EncodeStringToUTF16LE(c.Password))
	return h.Sum(nil)
}

// NTv2Hash returns HMAC_MD5(NTHash, upper(user) + domain).
func (c *Credentials) NTv2Hash() []byte {
	mac := hmac.New(md5.New, c.NTHash())
	mac.Write(EncodeStringToUTF16LE(strings.ToUpper(c.Username) + c.Domain))
	return mac.Sum(nil)
}

// hashed returns a client-owned copy that carries the NT hash instead of
// the clear-text password.
func (c *Credentials) hashed() *Credentials {
	return &Credentials{
		Username:    c.Username,
		Domain:      c.Domain,
		Workstation: c.Workstation,
		Hash:        append([]byte(nil), c.NTHash()...),
		Guest:       c.Guest,
	}
}

// wipe clears secret material in place.
func (c *Credentials) wipe() {
	for i := range c.Hash {
		c.Hash[i] = 0
	}
	c.Hash = nil
	c.Password = ""
}
