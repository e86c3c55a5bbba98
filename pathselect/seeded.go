package pathselect

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20"
)

type seededReader struct {
	c *chacha20.Cipher
}

// NewSeededReader returns a deterministic random stream derived from seed:
// the ChaCha20 keystream under SHA-256(seed). Two readers with the same seed
// produce the same bytes, so selections made with them are reproducible.
// It must not be used where unpredictability matters.
func NewSeededReader(seed []byte) io.Reader {
	key := sha256.Sum256(seed)
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed above.
		panic(err)
	}
	return &seededReader{c: c}
}

func (r *seededReader) Read(p []byte) (int, error) {
	clear(p)
	r.c.XORKeyStream(p, p)
	return len(p), nil
}
