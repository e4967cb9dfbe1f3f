package artifact

import (
	// Register the hash implementations go-digest resolves algorithms against
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Canonical is the algorithm used to address stored blobs
const Canonical = digest.SHA256

var (
	// ErrUnsupportedDigest is returned when an expected digest names an unknown algorithm
	ErrUnsupportedDigest = errors.New("unsupported digest algorithm")
	// ErrDigestMismatch is returned when the computed digest differs from the expected one
	ErrDigestMismatch = errors.New("digest mismatch")
)

var supportedAlgorithms = map[digest.Algorithm]bool{
	digest.SHA256: true,
	digest.SHA384: true,
	digest.SHA512: true,
}

// DigestMismatchError names the algorithm whose digest did not match
type DigestMismatchError struct {
	Algorithm digest.Algorithm
	Expected  string
	Actual    string
}

// Error implements the error interface
func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("%s digest mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// Unwrap allows errors.Is(err, ErrDigestMismatch)
func (*DigestMismatchError) Unwrap() error {
	return ErrDigestMismatch
}

// normalizeExpected validates the expected digests and returns them keyed by algorithm.
// Values may be bare hex or prefixed with "<algorithm>:".
func normalizeExpected(expected map[string]string) (map[digest.Algorithm]string, error) {
	out := make(map[digest.Algorithm]string, len(expected))
	for name, value := range expected {
		alg := digest.Algorithm(strings.ToLower(strings.TrimSpace(name)))
		if !supportedAlgorithms[alg] || !alg.Available() {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedDigest, name)
		}

		encoded := strings.ToLower(strings.TrimSpace(value))
		if prefix, rest, ok := strings.Cut(encoded, ":"); ok {
			if digest.Algorithm(prefix) != alg {
				return nil, fmt.Errorf("%w: %s value carries a %s prefix", ErrUnsupportedDigest, alg, prefix)
			}
			encoded = rest
		}
		if err := alg.Validate(encoded); err != nil {
			// A malformed expectation can never be met
			return nil, &DigestMismatchError{Algorithm: alg, Expected: value, Actual: "<invalid expected value>"}
		}
		out[alg] = encoded
	}
	return out, nil
}

// multiDigester hashes a stream with several algorithms at once
type multiDigester struct {
	digesters map[digest.Algorithm]digest.Digester
	writer    io.Writer
}

func newMultiDigester(algs []digest.Algorithm) *multiDigester {
	md := &multiDigester{digesters: make(map[digest.Algorithm]digest.Digester, len(algs))}
	writers := make([]io.Writer, 0, len(algs))
	for _, alg := range algs {
		if _, ok := md.digesters[alg]; ok {
			continue
		}
		d := alg.Digester()
		md.digesters[alg] = d
		writers = append(writers, d.Hash())
	}
	md.writer = io.MultiWriter(writers...)
	return md
}

func (md *multiDigester) Write(p []byte) (int, error) {
	return md.writer.Write(p)
}

func (md *multiDigester) digest(alg digest.Algorithm) digest.Digest {
	return md.digesters[alg].Digest()
}

// verify compares every expected digest, in a stable order, against the computed ones
func (md *multiDigester) verify(expected map[digest.Algorithm]string) error {
	algs := make([]string, 0, len(expected))
	for alg := range expected {
		algs = append(algs, string(alg))
	}
	sort.Strings(algs)

	for _, name := range algs {
		alg := digest.Algorithm(name)
		actual := md.digest(alg).Encoded()
		if actual != expected[alg] {
			return &DigestMismatchError{Algorithm: alg, Expected: expected[alg], Actual: actual}
		}
	}
	return nil
}

// encodedAll returns every computed digest keyed by algorithm name
func (md *multiDigester) encodedAll() map[string]string {
	out := make(map[string]string, len(md.digesters))
	for alg := range md.digesters {
		out[string(alg)] = md.digest(alg).Encoded()
	}
	return out
}

// ParseDigest parses "sha256:<hex>" or a bare sha256 hex string
func ParseDigest(s string) (digest.Digest, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		s = string(Canonical) + ":" + strings.ToLower(s)
	}
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}
