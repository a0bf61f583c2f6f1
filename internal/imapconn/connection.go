package imapconn

import (
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

// networkTimeout bounds individual IMAP reads and writes so a wedged server
// cannot hang an engine forever.
const networkTimeout = 10 * time.Second

// Credentials is what the token provider hands back for a connection
// attempt. OAuth providers fill AccessToken; password providers fill
// Password.
type Credentials struct {
	Username    string
	Password    string
	AccessToken string
}

// TokenProvider supplies fresh credentials for an account. Implementations
// live outside the core; OAuth refresh happens behind this interface.
type TokenProvider interface {
	Credentials(accountID int64) (Credentials, error)
}

// ConnFor builds the pool descriptor for an account's server, inferring
// TLS from the port: 993 is implicit TLS, anything else (test servers,
// localhost relays) is plaintext.
func ConnFor(accountID int64, server string) AccountConn {
	_, port, err := net.SplitHostPort(server)
	return AccountConn{
		AccountID: accountID,
		Server:    server,
		UseTLS:    err == nil && port == "993",
	}
}

// Connect dials the IMAP server with a 5-second timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
func Connect(server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		c.Timeout = networkTimeout
		return c, nil
	}

	// Non-TLS connection for testing
	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	c.Timeout = networkTimeout

	return c, nil
}

// Login authenticates with the IMAP server, preferring XOAUTH2 when an
// access token is present. Authentication failures are translated into the
// package's error taxonomy.
func Login(c *client.Client, creds Credentials) error {
	if creds.AccessToken != "" {
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.AccessToken,
		})
		if err := c.Authenticate(auth); err != nil {
			return classifyLoginError(fmt.Errorf("failed to authenticate: %w", err))
		}
		return nil
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		return classifyLoginError(fmt.Errorf("failed to authenticate: %w", err))
	}

	return nil
}
