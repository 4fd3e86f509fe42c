package smbdfs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// DeriveSigningKey derives the signing key for SMB 3.x using SP800-108 KDF
// For SMB 3.0/3.0.2: SigningKey = KDF(SessionKey, "SMB2AESCMAC\0", "SmbSign\0")
// For SMB 3.1.1: SigningKey = KDF(SessionKey, "SMBSigningKey\0", PreauthIntegrityHash)
func DeriveSigningKey(sessionKey []byte, dialect SMBDialect, preauthHash []byte) []byte {
	if len(sessionKey) == 0 {
		return nil
	}
	if dialect < SMB3_0 {
		return sessionKey
	}

	label := []byte("SMB2AESCMAC\x00")
	context := []byte("SmbSign\x00")
	if dialect >= SMB3_1_1 && len(preauthHash) > 0 {
		label = []byte("SMBSigningKey\x00")
		context = preauthHash
	}
	return kdfSP800108(sessionKey, label, context, 16)
}

// kdfSP800108 implements the SP800-108 KDF in Counter Mode with HMAC-SHA256
// (MS-SMB2 3.1.4.2).
func kdfSP800108(ki, label, context []byte, lengthBytes int) []byte {
	var word [4]byte
	result := make([]byte, 0, lengthBytes+sha256.Size)
	for counter := uint32(1); len(result) < lengthBytes; counter++ {
		h := hmac.New(sha256.New, ki)
		binary.BigEndian.PutUint32(word[:], counter)
		h.Write(word[:])
		h.Write(label)
		h.Write([]byte{0x00})
		h.Write(context)
		binary.BigEndian.PutUint32(word[:], uint32(lengthBytes*8))
		h.Write(word[:])
		result = h.Sum(result)
	}
	return result[:lengthBytes]
}
