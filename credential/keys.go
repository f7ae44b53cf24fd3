package credential

// Storage keys shared with the browser build. They are the persisted state of
// a client session.
const (
	KeyAdminAccess   = "admin_access_token"
	KeyAdminRefresh  = "admin_refresh_token"
	KeyDonorAccess   = "access_token"
	KeyDonorRefresh  = "refresh_token"
	KeySeekerAccess  = "seeker_token"
	KeySeekerRefresh = "seeker_refresh_token"
	// KeyLegacySeekerAccess is read when KeySeekerAccess is absent, and
	// cleared along with it.
	KeyLegacySeekerAccess = "token"

	KeyRedirectAfterLogin = "redirect_after_login"
	KeyUserType           = "user_type"
	KeyToastMessage       = "toast_message"
	KeyLanguage           = "language"
	KeyLastActive         = "last_active"
)
