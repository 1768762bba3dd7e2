package dist

import "fmt"

// IntegrityError is the error produced by Verify
// when a record's content does not hash to the address it was retrieved under,
// or is malformed in a way that makes its hash meaningless.
// It is a tamper signal for logs and metrics;
// callers of the higher-level APIs only ever see a missing record.
type IntegrityError struct {
	Claimed  Address
	Computed Address

	// Reason is set when the record was rejected before hashing.
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("integrity mismatch: content at %s rejected: %s", e.Claimed, e.Reason)
	}
	return fmt.Sprintf("integrity mismatch: content at %s hashes to %s", e.Claimed, e.Computed)
}

// Verify checks that the content of r hashes to claimed.
// Every file in r must be keyed by its own filename.
// On success it returns a copy of r whose Address is claimed.
// On failure it returns nil and an *IntegrityError;
// no part of r should be trusted.
func Verify(claimed Address, r *Record) (*Record, error) {
	if r == nil {
		return nil, &IntegrityError{Claimed: claimed, Reason: "no record"}
	}
	for name, f := range r.Files {
		if f.Filename != name {
			return nil, &IntegrityError{Claimed: claimed, Reason: fmt.Sprintf("file stored under %q is named %q", name, f.Filename)}
		}
	}
	computed := DeriveAddress(r.Description, r.Files)
	if computed != claimed {
		return nil, &IntegrityError{Claimed: claimed, Computed: computed}
	}
	verified := *r
	verified.Address = claimed
	return &verified, nil
}
