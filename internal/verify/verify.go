// Package verify checks a minisign detached signature over a payload and
// binds it to an expected version via the signature's trusted comment.
// The trusted comment is the sole anti-downgrade mechanism at this layer:
// the planner has already rejected any version that isn't strictly newer,
// so a signature can only be replayed here if its comment happens to
// equal the version being installed right now.
package verify

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedisct1/go-minisign"
)

// Kind distinguishes why a signature failed to verify.
type Kind int

const (
	// BadSig means the cryptographic signature itself did not check out.
	BadSig Kind = iota
	// WrongComment means the signature is valid but its trusted comment
	// does not match the version being installed — a possible downgrade
	// or payload-substitution attack.
	WrongComment
)

func (k Kind) String() string {
	switch k {
	case BadSig:
		return "bad signature"
	case WrongComment:
		return "wrong trusted comment"
	default:
		return "unknown"
	}
}

// Error is returned by Verify on any failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("verify: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// verifySig is the underlying cryptographic check, held behind a package
// variable so tests can exercise the comment-binding logic without having
// to construct a cryptographically valid minisign signature.
var verifySig = func(pub minisign.PublicKey, data []byte, sig minisign.Signature) (bool, error) {
	return pub.Verify(data, sig)
}

// PublicKey is the pinned key payloads are checked against.
type PublicKey struct {
	pk minisign.PublicKey
}

// LoadPublicKey parses a minisign public key file (the kind produced by
// `minisign -G`, an "untrusted comment" line followed by the base64 key).
func LoadPublicKey(path string) (PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PublicKey{}, fmt.Errorf("verify: reading public key %s: %w", path, err)
	}
	lines := strings.SplitN(string(b), "\n", 2)
	if len(lines) < 2 {
		return PublicKey{}, fmt.Errorf("verify: parsing public key %s: missing key line", path)
	}
	pk, err := minisign.DecodePublicKey(strings.TrimSpace(lines[1]))
	if err != nil {
		return PublicKey{}, fmt.Errorf("verify: parsing public key %s: %w", path, err)
	}
	return PublicKey{pk: pk}, nil
}

// Verify checks payload against the detached signature in sigText, which
// must be valid under pub, and whose embedded trusted comment must equal
// expectedComment (the caller passes the target version string, binding
// the signature to that specific version).
func Verify(payload io.Reader, sigText string, pub PublicKey, expectedComment string) error {
	data, err := io.ReadAll(payload)
	if err != nil {
		return &Error{Kind: BadSig, Err: err}
	}

	sig, err := minisign.DecodeSignature(sigText)
	if err != nil {
		return &Error{Kind: BadSig, Err: fmt.Errorf("decoding signature: %w", err)}
	}

	ok, err := verifySig(pub.pk, data, sig)
	if err != nil || !ok {
		return &Error{Kind: BadSig, Err: err}
	}

	// DecodeSignature keeps the line's "trusted comment: " label.
	comment := strings.TrimPrefix(sig.TrustedComment, "trusted comment: ")
	if comment != expectedComment {
		return &Error{Kind: WrongComment, Err: fmt.Errorf(
			"trusted comment %q does not match expected version %q", comment, expectedComment)}
	}

	return nil
}
