package endorsement

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/messages"
)

// Filter selects endorsement records. Every non-zero field must match.
type Filter struct {
	ID                  string
	HardwareUUIDEqualTo string
	IssuerEqualTo       string
	IssuerContains      string
	RevokedEqualTo      *bool
	CommentEqualTo      string
	CommentContains     string
}

func (f Filter) Match(e messages.TpmEndorsement) bool {
	if f.ID != "" && e.ID != f.ID {
		return false
	}
	if f.HardwareUUIDEqualTo != "" && !strings.EqualFold(e.HardwareUUID, f.HardwareUUIDEqualTo) {
		return false
	}
	if f.IssuerEqualTo != "" && e.Issuer != f.IssuerEqualTo {
		return false
	}
	if f.IssuerContains != "" && !strings.Contains(e.Issuer, f.IssuerContains) {
		return false
	}
	if f.RevokedEqualTo != nil && e.Revoked != *f.RevokedEqualTo {
		return false
	}
	if f.CommentEqualTo != "" && e.Comment != f.CommentEqualTo {
		return false
	}
	if f.CommentContains != "" && !strings.Contains(e.Comment, f.CommentContains) {
		return false
	}
	return true
}

const (
	paramID                  = "id"
	paramHardwareUUIDEqualTo = "hardwareUuidEqualTo"
	paramIssuerEqualTo       = "issuerEqualTo"
	paramIssuerContains      = "issuerContains"
	paramRevokedEqualTo      = "revokedEqualTo"
	paramCommentEqualTo      = "commentEqualTo"
	paramCommentContains     = "commentContains"
)

// ParseFilter reads a filter from query parameters.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{
		ID:                  q.Get(paramID),
		HardwareUUIDEqualTo: q.Get(paramHardwareUUIDEqualTo),
		IssuerEqualTo:       q.Get(paramIssuerEqualTo),
		IssuerContains:      q.Get(paramIssuerContains),
		CommentEqualTo:      q.Get(paramCommentEqualTo),
		CommentContains:     q.Get(paramCommentContains),
	}
	if v := q.Get(paramRevokedEqualTo); v != "" {
		revoked, err := strconv.ParseBool(v)
		if err != nil {
			return Filter{}, errs.Wrap(errs.MalformedInput, err, "revokedEqualTo")
		}
		f.RevokedEqualTo = &revoked
	}
	return f, nil
}

// Values encodes f as query parameters.
func (f Filter) Values() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set(paramID, f.ID)
	set(paramHardwareUUIDEqualTo, f.HardwareUUIDEqualTo)
	set(paramIssuerEqualTo, f.IssuerEqualTo)
	set(paramIssuerContains, f.IssuerContains)
	set(paramCommentEqualTo, f.CommentEqualTo)
	set(paramCommentContains, f.CommentContains)
	if f.RevokedEqualTo != nil {
		q.Set(paramRevokedEqualTo, strconv.FormatBool(*f.RevokedEqualTo))
	}
	return q
}

func Bool(b bool) *bool {
	return &b
}
