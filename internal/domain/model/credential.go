package model

import "time"

// Credential is the at-rest form of a source credential. EncryptedBlob and
// Nonce are produced by the Vault; the plaintext never appears on this type.
type Credential struct {
	SourceID      int64
	OwnerID       string
	EncryptedBlob []byte
	Nonce         []byte
	CreatedAt     time.Time
}
