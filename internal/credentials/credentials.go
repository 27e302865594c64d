// Package credentials obtains short-lived OAuth2 access tokens for the push
// messaging API from a service-account key, using the JWT-bearer grant
// (RFC 7523), and caches them until shortly before they expire.
package credentials

import (
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2/google"
)

const (
	// MessagingScope is the OAuth2 scope for sending FCM v1 messages.
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

	// JWTBearerGrant is the grant_type for assertion exchange.
	JWTBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// ServiceAccount is the key material needed to mint an assertion.
type ServiceAccount struct {
	ClientEmail  string
	PrivateKey   []byte // PEM, PKCS#1 or PKCS#8
	PrivateKeyID string
	TokenURL     string
	ProjectID    string
}

// cacheKey identifies the account a cached token was issued for.
func (a ServiceAccount) cacheKey() string {
	return a.ClientEmail + "|" + a.TokenURL
}

// ParseServiceAccount decodes a Google service-account JSON key bundle.
func ParseServiceAccount(data []byte) (ServiceAccount, error) {
	conf, err := google.JWTConfigFromJSON(data, MessagingScope)
	if err != nil {
		return ServiceAccount{}, fmt.Errorf("parse service account: %w", err)
	}

	var meta struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return ServiceAccount{}, fmt.Errorf("parse service account project: %w", err)
	}

	return ServiceAccount{
		ClientEmail:  conf.Email,
		PrivateKey:   conf.PrivateKey,
		PrivateKeyID: conf.PrivateKeyID,
		TokenURL:     conf.TokenURL,
		ProjectID:    meta.ProjectID,
	}, nil
}

// Error reports a failure to obtain an access token. StatusCode and Body
// are set when the token endpoint answered with a non-2xx status.
type Error struct {
	Op         string // sign, exchange, decode
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("credentials %s: token endpoint returned %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("credentials %s: %v", e.Op, e.Err)
	default:
		return "credentials " + e.Op + " failed"
	}
}

func (e *Error) Unwrap() error { return e.Err }
