package directory

import (
	"strings"

	"golang.org/x/crypto/sha3"
)

// signatureMarker separates the signed portion of a consensus from its
// signature blocks. The signed portion runs through the trailing space.
const signatureMarker = "\ndirectory-signature "

// Canonicalize returns the canonical form of a directory document. Parsing,
// signature verification, descriptor digests and churn targeting all
// operate on this form so they can never disagree about what was signed.
//
// Each line has a trailing "\r" removed, leading and trailing blanks
// trimmed and internal runs of spaces or tabs collapsed to one space.
// Empty lines are dropped and every remaining line ends in "\n".
func Canonicalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		fields := strings.FieldsFunc(line, isBlank)
		if len(fields) == 0 {
			continue
		}
		sb.WriteString(strings.Join(fields, " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func isBlank(r rune) bool {
	return r == ' ' || r == '\t'
}

// SignedPortion returns the part of a canonical consensus covered by its
// signatures: everything from the start through the space after the first
// "directory-signature" keyword.
func SignedPortion(canonical string) (string, bool) {
	idx := strings.Index(canonical, signatureMarker)
	if idx < 0 {
		return "", false
	}
	return canonical[:idx+len(signatureMarker)], true
}

// DocumentDigest is the SHA3-256 of a canonical document.
func DocumentDigest(canonical string) [32]byte {
	return sha3.Sum256([]byte(canonical))
}
