package touchlink

import (
	"net/url"
	"strings"
)

// minParamLen is the shortest merge token or checkout uid taken from a
// location; anything shorter is treated as absent.
const minParamLen = 3

// Location is what the launch URL asks the first call to do.
type Location struct {
	// Code is the touch link code from a /l/<code> or /a/<code> path.
	Code string
	// MergeToken comes from the merge_token fragment parameter.
	MergeToken string
	// CheckoutUID comes from the checkout_uid query parameter.
	CheckoutUID string
}

// ParseLocation inspects u. A nil u is an empty location.
func ParseLocation(u *url.URL) Location {
	var loc Location
	if u == nil {
		return loc
	}

	for _, prefix := range []string{"/l/", "/a/"} {
		if code, ok := strings.CutPrefix(u.Path, prefix); ok {
			loc.Code = strings.Trim(code, "/")
			break
		}
	}

	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		if tok := frag.Get("merge_token"); len(tok) >= minParamLen {
			loc.MergeToken = tok
		}
	}
	if uid := u.Query().Get("checkout_uid"); len(uid) >= minParamLen {
		loc.CheckoutUID = uid
	}
	return loc
}

// Empty reports whether the location carries nothing to apply.
func (l Location) Empty() bool {
	return l.Code == "" && l.MergeToken == "" && l.CheckoutUID == ""
}
