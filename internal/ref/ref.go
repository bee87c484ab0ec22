// Package ref parses and formats entity references used by the upsert API.
// A reference names a user, page or category either by an identity-provider
// id ("ssoid:..."), by the id the external system uses ("extid:..."), or by
// Veche's own numeric id ("id:123", bare "123" also accepted).
package ref

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Scheme string

const (
	BySsoID Scheme = "ssoid"
	ByExtID Scheme = "extid"
	ByID    Scheme = "id"
)

var ErrBadRef = errors.New("malformed reference")

// Ref is a parsed reference. Exactly one of Value / ID is meaningful:
// Value for BySsoID and ByExtID, ID for ByID.
type Ref struct {
	Scheme Scheme
	Value  string
	ID     int64
}

func Parse(s string) (Ref, error) {
	scheme, rest, found := strings.Cut(s, ":")
	if !found {
		// A bare number is shorthand for id:<n>.
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return Ref{}, fmt.Errorf("%w: %q", ErrBadRef, s)
		}
		return Ref{Scheme: ByID, ID: id}, nil
	}

	switch Scheme(scheme) {
	case BySsoID, ByExtID:
		if rest == "" {
			return Ref{}, fmt.Errorf("%w: empty value in %q", ErrBadRef, s)
		}
		return Ref{Scheme: Scheme(scheme), Value: rest}, nil
	case ByID:
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return Ref{}, fmt.Errorf("%w: bad numeric id in %q", ErrBadRef, s)
		}
		return Ref{Scheme: ByID, ID: id}, nil
	default:
		return Ref{}, fmt.Errorf("%w: unknown scheme in %q", ErrBadRef, s)
	}
}

func (r Ref) String() string {
	if r.Scheme == ByID {
		return fmt.Sprintf("id:%d", r.ID)
	}
	return string(r.Scheme) + ":" + r.Value
}

// Key returns the lookup key used by the identity store, stable across
// String/Parse round trips.
func (r Ref) Key() string {
	return r.String()
}

func SsoID(v string) Ref { return Ref{Scheme: BySsoID, Value: v} }
func ExtID(v string) Ref { return Ref{Scheme: ByExtID, Value: v} }
func ID(id int64) Ref    { return Ref{Scheme: ByID, ID: id} }
