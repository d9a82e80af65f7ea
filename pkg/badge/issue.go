package badge

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"golang.org/x/crypto/hkdf"
)

const (
	saltBytes  = 16
	nonceBytes = 20
	nonceInfo  = "badgeoor badge nonce"

	// RecipientPrefix marks a hashed recipient identity.
	RecipientPrefix = "sha256$"
)

// NewSalt returns a fresh random salt for hashing a recipient email.
func NewSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// Recipient returns the hashed identity "sha256$" + hex(SHA256(email+salt)).
func Recipient(email, salt string) string {
	sum := sha256.Sum256([]byte(email + salt))

	return RecipientPrefix + hex.EncodeToString(sum[:])
}

// NewNonce derives an unguessable lookup token from fresh randomness,
// salted with the badge salt.
func NewNonce(salt string) (string, error) {
	secret := make([]byte, sha256.Size)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generating nonce secret: %w", err)
	}

	out := make([]byte, nonceBytes)
	if _, err := io.ReadFull(
		hkdf.New(sha256.New, secret, []byte(salt), []byte(nonceInfo)), out,
	); err != nil {
		return "", fmt.Errorf("deriving nonce: %w", err)
	}

	return hex.EncodeToString(out), nil
}

// Issue builds the badge record awarded to a user for a course. The
// record is not persisted.
func Issue(
	courseID, userID, email string,
	settings *Settings,
	now time.Time,
) (*store.Badge, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}

	nonce, err := NewNonce(salt)
	if err != nil {
		return nil, err
	}

	return &store.Badge{
		CourseID:    courseID,
		UserID:      userID,
		BadgeURL:    settings.BadgeURL,
		Nonce:       nonce,
		Name:        settings.Name,
		Description: settings.Description,
		Recipient:   Recipient(email, salt),
		Salt:        salt,
		Issued:      now.UTC(),
	}, nil
}
