package driven

import "errors"

var (
	// ErrDecryptionFailed is returned when a credential fails authentication,
	// either because it was tampered with or because the key is wrong.
	ErrDecryptionFailed = errors.New("credential decryption failed")

	// ErrEncryptionKeyNotSet is returned when the process was started without
	// WORKDIGEST_SECRET_KEY.
	ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set WORKDIGEST_SECRET_KEY")
)
