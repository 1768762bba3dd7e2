package dist

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

type (
	// Address is the content-derived name of a record.
	// See DeriveAddress.
	Address string

	// File is one named file in a record.
	File struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
		Language string `json:"language"`
		Size     int64  `json:"size"`
	}

	// Record is a published, immutable collection of files.
	Record struct {
		Address     Address         `json:"id"`
		Description string          `json:"description"`
		Files       map[string]File `json:"files"`
		CreatedAt   int64           `json:"createdAt"` // epoch millis
		UpdatedAt   int64           `json:"updatedAt"` // epoch millis, equal to CreatedAt
		Owner       string          `json:"owner,omitempty"`
	}

	// IndexEntry is the lightweight pointer to a record
	// that its publisher keeps in a private index.
	IndexEntry struct {
		EntryKey        string  `json:"key"`
		Address         Address `json:"id"`
		Description     string  `json:"description"`
		CreatedAt       int64   `json:"createdAt"`
		FilenamePreview string  `json:"filename"`
	}
)

// DefaultLanguage is the language of a file that does not specify one.
const DefaultLanguage = "text"

var (
	// ErrNotFound is the error for an address with no valid record behind it.
	// That includes records that fail verification.
	ErrNotFound = errors.New("not found")

	// ErrNotReady is the error when the graph store or the identity
	// needed for an operation is not (yet) available.
	// Callers should treat it as "loading," not as absence.
	ErrNotReady = errors.New("not ready")

	// ErrInvalidAddress is the error for a string that cannot be an Address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidFile is the error for a file that cannot be published.
	ErrInvalidFile = errors.New("invalid file")
)

// ParseAddress checks that s has the form of an address
// (2*AddressBytes hex digits)
// and returns it in canonical lowercase form.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2*AddressBytes {
		return "", errors.Wrapf(ErrInvalidAddress, "%q has length %d, want %d", s, len(s), 2*AddressBytes)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", errors.Wrapf(ErrInvalidAddress, "%q is not hex", s)
	}
	return Address(s), nil
}

func (a Address) String() string {
	return string(a)
}

// Short is the abbreviated form of an address used in listings.
func (a Address) Short() string {
	if len(a) <= 8 {
		return string(a)
	}
	return string(a[:8]) + "..."
}
