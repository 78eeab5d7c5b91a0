package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"burnbin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxPasswordLength = 1024
	saltLength        = 16
	keyLength         = 32
)

// Hasher is the credential collaborator: a one-way argon2id hash at paste
// creation and a boolean verify at view time. The lifecycle engine treats it
// as an opaque oracle.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
}

func NewHasher(time, memory uint32, parallelism uint8) (*Hasher, error) {
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 8*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 8192 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
	}, nil
}

func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	key := argon2.IDKey([]byte(password), salt, h.iterations, h.memory, h.parallelism, keyLength)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	util.Wipe(key)
	return encoded, nil
}

// Verify compares a submitted plaintext against a stored encoded hash in
// constant time. Parameters come from the hash itself so old hashes keep
// verifying after a config change.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if len(password) > maxPasswordLength {
		return false, errors.New("password too long")
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("malformed password hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, errors.Wrap(err, "parse hash version")
	}
	if version != argon2.Version {
		return false, errors.New("unsupported argon2 version")
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, errors.Wrap(err, "parse hash params")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.Wrap(err, "decode salt")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.Wrap(err, "decode hash")
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	match := subtle.ConstantTimeCompare(got, want) == 1
	util.Wipe(got)
	util.Wipe(want)
	return match, nil
}
