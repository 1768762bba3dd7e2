package dist

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// AddressBytes is the number of leading sha2-256 bytes kept in an address.
// This is a reduced-security default:
// collision resistance is about 2^(4*AddressBytes), not the 2^128 of the full digest.
// Changing it changes every address.
const AddressBytes = 16

// NormalizeFile fills in the defaults for a file's optional fields.
// It is the only place defaults are applied,
// so that publishing and verifying canonicalize identical values.
func NormalizeFile(f File) File {
	if f.Language == "" {
		f.Language = DefaultLanguage
	}
	return f
}

// FileMap builds the filename->File mapping of a record from a list of files,
// normalizing each one.
// Filenames must be non-empty and unique,
// sizes non-negative,
// and content valid UTF-8.
func FileMap(files []File) (map[string]File, error) {
	if len(files) == 0 {
		return nil, errors.Wrap(ErrInvalidFile, "no files")
	}
	m := make(map[string]File, len(files))
	for i, f := range files {
		if f.Filename == "" {
			return nil, errors.Wrapf(ErrInvalidFile, "file %d has no name", i)
		}
		if _, ok := m[f.Filename]; ok {
			return nil, errors.Wrapf(ErrInvalidFile, "duplicate filename %q", f.Filename)
		}
		if f.Size < 0 {
			return nil, errors.Wrapf(ErrInvalidFile, "file %q has negative size", f.Filename)
		}
		if !utf8.ValidString(f.Content) {
			return nil, errors.Wrapf(ErrInvalidFile, "file %q is not valid UTF-8", f.Filename)
		}
		m[f.Filename] = NormalizeFile(f)
	}
	return m, nil
}

// Canonicalize produces the canonical byte sequence of a record's content.
// Each file's name is its key in files,
// whatever its Filename field says.
// Files are normalized and sorted by filename (bytewise);
// the result is the compact JSON encoding of
//
//	{"description":D,"files":[{"filename":F,"content":C,"language":L,"size":N},...]}
//
// with keys in exactly that order
// and strings escaped the way ECMAScript's JSON.stringify escapes them.
// The same logical content always yields the same bytes,
// regardless of map iteration order or omitted defaults.
func Canonicalize(description string, files map[string]File) []byte {
	sorted := make([]File, 0, len(files))
	for name, f := range files {
		f.Filename = name
		sorted = append(sorted, NormalizeFile(f))
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Filename < sorted[j].Filename })

	buf := make([]byte, 0, 64+canonicalSize(sorted))
	buf = append(buf, `{"description":`...)
	buf = appendQuoted(buf, description)
	buf = append(buf, `,"files":[`...)
	for i, f := range sorted {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, `{"filename":`...)
		buf = appendQuoted(buf, f.Filename)
		buf = append(buf, `,"content":`...)
		buf = appendQuoted(buf, f.Content)
		buf = append(buf, `,"language":`...)
		buf = appendQuoted(buf, f.Language)
		buf = append(buf, `,"size":`...)
		buf = strconv.AppendInt(buf, f.Size, 10)
		buf = append(buf, '}')
	}
	buf = append(buf, "]}"...)
	return buf
}

// DeriveAddress computes the address of a record's content:
// the lowercase hex of the first AddressBytes bytes
// of the sha2-256 hash of its canonical form.
func DeriveAddress(description string, files map[string]File) Address {
	sum := sha256.Sum256(Canonicalize(description, files))
	return Address(hex.EncodeToString(sum[:AddressBytes]))
}

func canonicalSize(files []File) int {
	var n int
	for _, f := range files {
		n += 64 + len(f.Filename) + len(f.Content) + len(f.Language)
	}
	return n
}

const hexdigits = "0123456789abcdef"

// appendQuoted appends s as a JSON string literal.
// Only '"', '\\', and control characters are escaped.
// Unlike encoding/json, this leaves <, >, &, U+2028, and U+2029 alone.
func appendQuoted(buf []byte, s string) []byte {
	buf = append(buf, '"')
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			continue
		}
		buf = append(buf, s[start:i]...)
		switch c {
		case '"':
			buf = append(buf, `\"`...)
		case '\\':
			buf = append(buf, `\\`...)
		case '\b':
			buf = append(buf, `\b`...)
		case '\f':
			buf = append(buf, `\f`...)
		case '\n':
			buf = append(buf, `\n`...)
		case '\r':
			buf = append(buf, `\r`...)
		case '\t':
			buf = append(buf, `\t`...)
		default:
			buf = append(buf, '\\', 'u', '0', '0', hexdigits[c>>4], hexdigits[c&0xf])
		}
		start = i + 1
	}
	buf = append(buf, s[start:]...)
	return append(buf, '"')
}
