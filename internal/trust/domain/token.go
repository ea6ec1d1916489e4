package domain

import "time"

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	ExpiresIn    time.Duration
}
