package model

// Credentials is a Basic auth username/password pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// IsZero reports whether the pair is blank. A blank pair must never become
// the external pair, otherwise every caller is locked out.
func (c Credentials) IsZero() bool {
	return c.Username == ""
}
