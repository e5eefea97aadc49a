package config

// DefaultExceptionHosts returns site hosts that are never purged even when
// they bounce the user without interaction. Single sign-on and identity
// providers redirect through themselves as part of normal logins.
func DefaultExceptionHosts() []string {
	return []string{
		// Identity providers
		"google.com",
		"microsoftonline.com",
		"live.com",
		"apple.com",
		"auth0.com",
		"okta.com",
		"onelogin.com",
		"duo.com",
		"pingidentity.com",

		// Government sign-in
		"login.gov",
		"id.me",

		// Payment redirects
		"paypal.com",
		"stripe.com",
	}
}
