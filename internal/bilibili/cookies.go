package bilibili

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

const (
	cookieSession = "SESSDATA"
	cookieCSRF    = "bili_jct"

	cookieDomain = ".bilibili.com"
)

// credentialFile mirrors the JSON layout the login tools write: session
// cookies nested under cookie_info, with the OAuth token block alongside.
// Only the cookies are consumed here.
type credentialFile struct {
	CookieInfo struct {
		Cookies []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"cookies"`
	} `json:"cookie_info"`
}

// loadCredentials reads the cookie file and returns the session cookies
// scoped to the platform domain plus the csrf token. The csrf token rides
// in the bili_jct cookie and doubles as the form token on every mutating
// endpoint, so a file without it cannot drive uploads.
func loadCredentials(path string) ([]*http.Cookie, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading cookie file: %w", err)
	}

	var file credentialFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, "", fmt.Errorf("parsing cookie file %s: %w", path, err)
	}

	var (
		cookies []*http.Cookie
		csrf    string
		session bool
	)
	for _, c := range file.CookieInfo.Cookies {
		if c.Name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: cookieDomain,
			Path:   "/",
		})
		switch c.Name {
		case cookieSession:
			session = c.Value != ""
		case cookieCSRF:
			csrf = c.Value
		}
	}

	if !session {
		return nil, "", fmt.Errorf("cookie file %s carries no %s cookie", path, cookieSession)
	}
	if csrf == "" {
		return nil, "", fmt.Errorf("cookie file %s carries no %s cookie", path, cookieCSRF)
	}
	return cookies, csrf, nil
}
