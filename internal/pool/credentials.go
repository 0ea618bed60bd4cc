package pool

import "time"

// Credentials holds the OAuth material for one account. ExpiresAt carries
// millisecond precision (as minted by the vendor's token endpoint), so it is
// stored and compared as a time.Time derived from Unix milliseconds rather
// than truncated to second precision.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IsExpired reports whether the access token is no longer valid.
func (c Credentials) IsExpired() bool {
	return !time.Now().Before(c.ExpiresAt)
}

// NeedsRefresh reports whether the token expires within buffer of now.
func (c Credentials) NeedsRefresh(buffer time.Duration) bool {
	return !c.ExpiresAt.After(time.Now().Add(buffer))
}

// ExpiresAtMilli returns ExpiresAt as Unix milliseconds, the wire format
// used by accounts.json.
func (c Credentials) ExpiresAtMilli() int64 {
	return c.ExpiresAt.UnixMilli()
}

// CredentialsFromMilli builds Credentials from the wire representation.
func CredentialsFromMilli(accessToken, refreshToken string, expiresAtMilli int64) Credentials {
	return Credentials{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.UnixMilli(expiresAtMilli),
	}
}
