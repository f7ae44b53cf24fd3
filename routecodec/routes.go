package routecodec

import (
	"slices"
	"strings"
)

// RouteName identifies an application route. The set of names is fixed at
// build time.
type RouteName string

const (
	Home    RouteName = "home"
	Contact RouteName = "contact"

	DonorLogin          RouteName = "donor-login"
	DonorRegister       RouteName = "donor-register"
	DonorForgotPassword RouteName = "donor-forgot-password"
	DonorResetPassword  RouteName = "donor-reset-password"
	DonorDashboard      RouteName = "donor-dashboard"
	DonorProfile        RouteName = "donor-profile"
	DonorRequests       RouteName = "donor-requests"
	DonorNearby         RouteName = "donor-nearby"
	DonorHistory        RouteName = "donor-history"

	SeekerLogin     RouteName = "seeker-login"
	SeekerRegister  RouteName = "seeker-register"
	SeekerDashboard RouteName = "seeker-dashboard"
	SeekerRequest   RouteName = "seeker-request"

	AdminLogin          RouteName = "admin-login"
	AdminForgotPassword RouteName = "admin-forgot-password"
	AdminResetPassword  RouteName = "admin-reset-password"
	AdminDashboard      RouteName = "admin-dashboard"
	AdminDonors         RouteName = "admin-donors"
	AdminRequests       RouteName = "admin-requests"
	AdminHospitals      RouteName = "admin-hospitals"
	AdminMatching       RouteName = "admin-matching"
	AdminReports        RouteName = "admin-reports"
)

// DefaultRoute is what every failed decode degrades to.
const DefaultRoute = Home

// routeTokens is the forward table. Tokens are 8 lowercase alphanumerics and
// are never produced by the fallback cipher, whose output is always longer.
var routeTokens = map[RouteName]string{
	Home:    "a1b2c3d4",
	Contact: "e5f6g7h8",

	DonorLogin:          "i9j0k1l2",
	DonorRegister:       "m3n4o5p6",
	DonorForgotPassword: "q7r8s9t0",
	DonorResetPassword:  "u1v2w3x4",
	DonorDashboard:      "c9d0e1f2",
	DonorProfile:        "y5z6a7b8",
	DonorRequests:       "g3h4i5j6",
	DonorNearby:         "k7l8m9n0",
	DonorHistory:        "o1p2q3r4",

	SeekerLogin:     "s5t6u7v8",
	SeekerRegister:  "w9x0y1z2",
	SeekerDashboard: "b3c4d5e6",
	SeekerRequest:   "f7g8h9i0",

	AdminLogin:          "j1k2l3m4",
	AdminForgotPassword: "n5o6p7q8",
	AdminResetPassword:  "r9s0t1u2",
	AdminDashboard:      "v3w4x5y6",
	AdminDonors:         "z7a8b9c0",
	AdminRequests:       "d1e2f3g4",
	AdminHospitals:      "h5i6j7k8",
	AdminMatching:       "l9m0n1o2",
	AdminReports:        "p3q4r5s6",
}

var tokenRoutes = func() map[string]RouteName {
	m := make(map[string]RouteName, len(routeTokens))
	for name, tok := range routeTokens {
		m[tok] = name
	}
	return m
}()

// publicRoutes are reachable without a credential even though they live under
// a donor, seeker or admin prefix.
var publicRoutes = map[RouteName]bool{
	DonorLogin:          true,
	DonorRegister:       true,
	DonorForgotPassword: true,
	DonorResetPassword:  true,
	SeekerLogin:         true,
	SeekerRegister:      true,
	AdminLogin:          true,
	AdminForgotPassword: true,
	AdminResetPassword:  true,
}

// legacyPaths maps the semantic paths the application used before route
// obfuscation to their route names.
var legacyPaths = map[string]RouteName{
	"/":                      Home,
	"/contact":               Contact,
	"/donor/login":           DonorLogin,
	"/donor/register":        DonorRegister,
	"/donor/forgot-password": DonorForgotPassword,
	"/donor/reset-password":  DonorResetPassword,
	"/donor/dashboard":       DonorDashboard,
	"/donor/profile":         DonorProfile,
	"/donor/requests":        DonorRequests,
	"/donor/nearby":          DonorNearby,
	"/donor/history":         DonorHistory,
	"/seeker/login":          SeekerLogin,
	"/seeker/register":       SeekerRegister,
	"/seeker/dashboard":      SeekerDashboard,
	"/seeker/request":        SeekerRequest,
	"/admin/login":           AdminLogin,
	"/admin/forgot-password": AdminForgotPassword,
	"/admin/reset-password":  AdminResetPassword,
	"/admin/dashboard":       AdminDashboard,
	"/admin/donors":          AdminDonors,
	"/admin/requests":        AdminRequests,
	"/admin/hospitals":       AdminHospitals,
	"/admin/matching":        AdminMatching,
	"/admin/reports":         AdminReports,
}

// Routes returns every name in the static table, sorted.
func Routes() []RouteName {
	names := make([]RouteName, 0, len(routeTokens))
	for name := range routeTokens {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Known reports whether token is a static table token.
func Known(token string) bool {
	_, ok := tokenRoutes[token]
	return ok
}

// IsProtected reports whether the route requires a stored credential. Only
// table routes under the donor, seeker or admin prefixes can be protected.
func IsProtected(name RouteName) bool {
	if _, ok := routeTokens[name]; !ok {
		return false
	}
	if publicRoutes[name] {
		return false
	}
	s := string(name)
	return strings.HasPrefix(s, "donor-") ||
		strings.HasPrefix(s, "seeker-") ||
		strings.HasPrefix(s, "admin-")
}
