package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// argon2id parameters. Vars (not consts) so tests can lower them for speed.
var (
	argonMemory  uint32 = 64 * 1024 // 64 MiB
	argonTime    uint32 = 3
	argonThreads uint8  = 2
)

const (
	argonSaltLen = 16
	argonKeyLen  = 32
	secretLen    = 32

	// unusablePrefix marks a hash that can never verify.
	unusablePrefix = "!"
)

// credential is the password material written for one account.
type credential struct {
	hash      string
	mustReset bool
	preserved bool
	degraded  bool
}

// newSecret returns a random base64url secret of secretLen bytes.
func newSecret() (string, error) {
	buf := make([]byte, secretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashPassword hashes password with argon2id and returns a PHC-format string.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword checks password against an argon2id or bcrypt hash.
// Hashes written by the reset-required strategy never verify.
func VerifyPassword(encoded, password string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, unusablePrefix):
		return false, nil
	case isBcryptHash(encoded):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return false, nil
		}
		return err == nil, err
	case strings.HasPrefix(encoded, "$argon2id$"):
		return verifyArgon2id(encoded, password)
	}
	return false, fmt.Errorf("unsupported hash format")
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

// validBcrypt reports whether hash parses as a bcrypt hash.
func validBcrypt(hash string) bool {
	if !isBcryptHash(hash) {
		return false
	}
	_, err := bcrypt.Cost([]byte(hash))
	return err == nil
}

func verifyArgon2id(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("invalid argon2id hash format")
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("parsing hash params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	expectedKey, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decoding key: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(expectedKey)))
	return subtle.ConstantTimeCompare(key, expectedKey) == 1, nil
}

// makeCredential produces the stored password for acct under strategy.
func (m *Migrator) makeCredential(acct Account, strategy PasswordStrategy) (credential, error) {
	switch strategy {
	case StrategyHashMigration:
		if validBcrypt(acct.PasswordHash) {
			return credential{hash: acct.PasswordHash, preserved: true}, nil
		}
		c, err := m.temporaryCredential()
		c.degraded = true
		return c, err
	case StrategyResetRequired:
		secret, err := m.newSecret()
		if err != nil {
			return credential{}, err
		}
		hash, err := HashPassword(secret)
		if err != nil {
			return credential{}, err
		}
		return credential{hash: unusablePrefix + hash, mustReset: true}, nil
	default:
		return m.temporaryCredential()
	}
}

func (m *Migrator) temporaryCredential() (credential, error) {
	secret, err := m.newSecret()
	if err != nil {
		return credential{}, err
	}
	hash, err := HashPassword(secret)
	if err != nil {
		return credential{}, err
	}
	return credential{hash: hash, mustReset: true}, nil
}
