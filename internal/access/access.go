// Package access decides which boxes a caller may operate on.
package access

import "strings"

// Checker reports whether a caller holding callerShelves may see a box on shelfID.
type Checker interface {
	IsVisible(callerShelves []string, shelfID string) bool
}

// Membership grants access when the caller belongs to the box's shelf.
// Boxes without a shelf are visible to everyone.
type Membership struct{}

// IsVisible implements Checker.
func (Membership) IsVisible(callerShelves []string, shelfID string) bool {
	if shelfID == "" {
		return true
	}
	for _, s := range callerShelves {
		if strings.EqualFold(strings.TrimSpace(s), shelfID) {
			return true
		}
	}
	return false
}

// AllowAll grants every caller access to every box.
type AllowAll struct{}

// IsVisible implements Checker.
func (AllowAll) IsVisible([]string, string) bool { return true }

// ParseShelves splits a comma separated shelf header value.
func ParseShelves(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
