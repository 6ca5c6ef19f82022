package util

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// HashWriter checksums product bytes on their way into a backend, so a put
// can be checked against the MD5 and SHA256 properties a product carries.
// The md5 or sha256 hash may be nil, and is then not computed.
type HashWriter struct {
	io.Writer
	md5       hash.Hash
	sha256    hash.Hash
}

// NewHashWriter hashes everything written through to w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		md5:    md5.New(),
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.md5, hw.sha256)
	return hw
}

// NewHashWriterPlain only hashes. Nothing is passed on.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{
		md5:    md5.New(),
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(hw.md5, hw.sha256)
	return hw
}

// CheckMD5 returns the MD5 of the bytes written, and whether it equals goal.
// An empty goal matches.
func (hw *HashWriter) CheckMD5(goal []byte) ([]byte, bool) {
	var computed []byte
	if hw.md5 != nil {
		computed = hw.md5.Sum(nil)
	}
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// CheckSHA256 is CheckMD5 for the SHA256 hash.
func (hw *HashWriter) CheckSHA256(goal []byte) ([]byte, bool) {
	var computed []byte
	if hw.sha256 != nil {
		computed = hw.sha256.Sum(nil)
	}
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// Sums returns the hex encoded MD5 and SHA256 hashes of the data written so
// far. A hash this writer does not compute is returned as "".
func (hw *HashWriter) Sums() (md5hex, sha256hex string) {
	if hw.md5 != nil {
		md5hex = hex.EncodeToString(hw.md5.Sum(nil))
	}
	if hw.sha256 != nil {
		sha256hex = hex.EncodeToString(hw.sha256.Sum(nil))
	}
	return
}

// CheckHex compares the computed hashes with hex encoded goals. An empty goal
// always matches. A goal which is not valid hex never matches.
func (hw *HashWriter) CheckHex(md5goal, sha256goal string) bool {
	m, err := hex.DecodeString(md5goal)
	if err != nil {
		return false
	}
	s, err := hex.DecodeString(sha256goal)
	if err != nil {
		return false
	}
	_, ok1 := hw.CheckMD5(m)
	_, ok2 := hw.CheckSHA256(s)
	return ok1 && ok2
}
