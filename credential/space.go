package credential

import (
	"fmt"
	"strings"

	"lds.li/donorlink/routecodec"
)

// Space is one of the independent credential spaces. Tokens from one space
// are never sent on behalf of another.
type Space int

const (
	// Seeker is the default space for requests that are neither admin nor
	// donor traffic.
	Seeker Space = iota
	Donor
	Admin
)

// Spaces lists every credential space.
var Spaces = []Space{Seeker, Donor, Admin}

func (s Space) String() string {
	switch s {
	case Seeker:
		return "seeker"
	case Donor:
		return "donor"
	case Admin:
		return "admin"
	default:
		return fmt.Sprintf("Space(%d)", int(s))
	}
}

// Keys names the storage keys holding a space's tokens.
type Keys struct {
	Access  string
	Refresh string
	// LegacyAccess is an older key still read as a fallback for Access.
	LegacyAccess string
}

// Keys returns the storage keys for s.
func (s Space) Keys() Keys {
	switch s {
	case Admin:
		return Keys{Access: KeyAdminAccess, Refresh: KeyAdminRefresh}
	case Donor:
		return Keys{Access: KeyDonorAccess, Refresh: KeyDonorRefresh}
	default:
		return Keys{Access: KeySeekerAccess, Refresh: KeySeekerRefresh, LegacyAccess: KeyLegacySeekerAccess}
	}
}

// LoginRoute is the route a user of s is sent to when their session ends.
func (s Space) LoginRoute() routecodec.RouteName {
	switch s {
	case Admin:
		return routecodec.AdminLogin
	case Donor:
		return routecodec.DonorLogin
	default:
		return routecodec.SeekerLogin
	}
}

// LoginPath is the semantic login path for s, e.g. /donor/login. It is
// rewritten to the obfuscated path by the legacy redirect table on load.
func (s Space) LoginPath() string {
	p, _ := routecodec.LegacyPath(s.LoginRoute())
	return p
}

// Classify picks the credential space for a request to targetPath issued
// while the browser shows currentPath.
func Classify(targetPath, currentPath string) Space {
	switch {
	case strings.HasPrefix(targetPath, "/admin"), strings.HasPrefix(targetPath, "/api/admin"):
		return Admin
	case strings.HasPrefix(currentPath, "/donor"), strings.HasPrefix(targetPath, "/api/donors"):
		return Donor
	default:
		return Seeker
	}
}

// ForRoute returns the space owning a route, by its name prefix. Routes
// outside any space report false.
func ForRoute(name routecodec.RouteName) (Space, bool) {
	s := string(name)
	switch {
	case strings.HasPrefix(s, "admin-"):
		return Admin, true
	case strings.HasPrefix(s, "donor-"):
		return Donor, true
	case strings.HasPrefix(s, "seeker-"):
		return Seeker, true
	default:
		return Seeker, false
	}
}
