package sso

import (
	"net/url"
	"strings"
)

// Query parameters of the link trigger on the profile page.
const (
	QueryLinkAccount = "user_id_to_map"
	QueryLinkToken   = "sso-link"
)

// LoginLink is the data a login page needs to render the sign-in block.
type LoginLink struct {
	LoginURL       string
	LogoutURL      string
	OrgDisplayName string
}

// AuthorizeURL builds the provider authorization redirect for nonce.
func AuthorizeURL(s Settings, nonce string) string {
	q := url.Values{}
	q.Set("client_id", s.ClientID)
	q.Set("response_mode", "query")
	q.Set("response_type", "code id_token")
	q.Set("redirect_uri", s.RedirectURI)
	q.Set("nonce", nonce)
	return trailingSlash(s.BaseURI) + "oauth2/authorize?" + q.Encode()
}

// LogoutURL builds the provider sign out URL.
func LogoutURL(s Settings) string {
	q := url.Values{}
	q.Set("post_logout_redirect_uri", s.LogoutRedirectURI)
	return trailingSlash(s.BaseURI) + "oauth2/logout?" + q.Encode()
}

func trailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func appendQuery(base string, values url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + values.Encode()
	}
	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
