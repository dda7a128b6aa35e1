package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// HashParams configures argon2id.
type HashParams struct {
	MemoryKiB  uint32
	Iterations uint32
	Threads    uint8
	SaltLen    uint32
	KeyLen     uint32
}

// DefaultHashParams follow the OWASP argon2id baseline.
var DefaultHashParams = HashParams{
	MemoryKiB:  64 * 1024,
	Iterations: 3,
	Threads:    2,
	SaltLen:    16,
	KeyLen:     32,
}

const defaultHashTimeout = 5 * time.Second

// PasswordVerifier hashes and checks credentials. Work runs off the caller's
// goroutine under a concurrency limit and a deadline.
type PasswordVerifier struct {
	params  HashParams
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewPasswordVerifier builds a verifier allowing concurrency parallel hashes.
func NewPasswordVerifier(params HashParams, concurrency int, timeout time.Duration) *PasswordVerifier {
	if params.SaltLen == 0 {
		params.SaltLen = DefaultHashParams.SaltLen
	}
	if params.KeyLen == 0 {
		params.KeyLen = DefaultHashParams.KeyLen
	}
	if params.Threads == 0 {
		params.Threads = 1
	}
	if params.Iterations == 0 {
		params.Iterations = 1
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if timeout <= 0 {
		timeout = defaultHashTimeout
	}
	return &PasswordVerifier{
		params:  params,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		timeout: timeout,
	}
}

// Hash derives an encoded argon2id hash for plaintext.
func (v *PasswordVerifier) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", invalidf("password is empty")
	}
	var (
		encoded string
		hashErr error
	)
	if err := v.run(ctx, func() { encoded, hashErr = HashPassword(plaintext, v.params) }); err != nil {
		return "", err
	}
	return encoded, hashErr
}

// Verify reports whether plaintext matches encoded. Malformed hashes verify
// as false. The only error is ErrDependencyUnavailable on timeout.
func (v *PasswordVerifier) Verify(ctx context.Context, plaintext, encoded string) (bool, error) {
	var ok bool
	if err := v.run(ctx, func() { ok = VerifyPassword(plaintext, encoded) }); err != nil {
		return false, err
	}
	return ok, nil
}

// NeedsRehash reports whether encoded uses a legacy scheme or weaker
// parameters than the verifier is configured with.
func (v *PasswordVerifier) NeedsRehash(encoded string) bool {
	p, _, _, err := decodeArgon2(encoded)
	if err != nil {
		return true
	}
	return p.MemoryKiB < v.params.MemoryKiB ||
		p.Iterations < v.params.Iterations ||
		p.Threads != v.params.Threads ||
		p.KeyLen != v.params.KeyLen
}

func (v *PasswordVerifier) run(ctx context.Context, fn func()) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: password hasher busy: %v", ErrDependencyUnavailable, err)
	}
	done := make(chan struct{})
	go func() {
		defer v.sem.Release(1)
		defer close(done)
		fn()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: password hashing: %v", ErrDependencyUnavailable, ctx.Err())
	}
}

// HashPassword hashes plaintext synchronously with params using argon2id.
func HashPassword(plaintext string, params HashParams) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.MemoryKiB, params.Threads, params.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		params.MemoryKiB,
		params.Iterations,
		params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword checks plaintext against an argon2id or legacy bcrypt hash
// in constant time. It never panics on malformed input.
func VerifyPassword(plaintext, encoded string) bool {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		p, salt, key, err := decodeArgon2(encoded)
		if err != nil {
			return false
		}
		actual := argon2.IDKey([]byte(plaintext), salt, p.Iterations, p.MemoryKiB, p.Threads, p.KeyLen)
		return subtle.ConstantTimeCompare(actual, key) == 1
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plaintext)) == nil
	default:
		return false
	}
}

var errMalformedHash = errors.New("malformed password hash")

func decodeArgon2(encoded string) (HashParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return HashParams{}, nil, nil, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return HashParams{}, nil, nil, errMalformedHash
	}
	var p HashParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Iterations, &p.Threads); err != nil {
		return HashParams{}, nil, nil, errMalformedHash
	}
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Threads == 0 {
		return HashParams{}, nil, nil, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return HashParams{}, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return HashParams{}, nil, nil, errMalformedHash
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}
