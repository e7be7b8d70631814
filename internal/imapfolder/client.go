// Package imapfolder provides the remote folder adapter: a folder.Folder
// backed by an IMAP connection, mirroring message metadata into the local
// store and watching the mailbox with IDLE.
package imapfolder

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// SecurityType represents the connection security method
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// Config holds the connection parameters for an IMAP server
type Config struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
	}
}

// connect dials the server, waits for the greeting and logs in. The caller
// owns the returned client.
func connect(cfg Config, options *imapclient.Options) (*imapclient.Client, error) {
	if options == nil {
		options = &imapclient.Options{}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var client *imapclient.Client
	var err error

	switch cfg.Security {
	case SecurityStartTLS:
		options.TLSConfig = &tls.Config{ServerName: cfg.Host}
		client, err = imapclient.DialStartTLS(addr, options)
	case SecurityNone:
		client, err = imapclient.DialInsecure(addr, options)
	default:
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		rawConn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
		if dialErr != nil {
			return nil, fmt.Errorf("failed to connect with TLS: %w", dialErr)
		}
		client = imapclient.New(rawConn, options)
		if err := client.WaitGreeting(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to receive greeting: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	saslClient := sasl.NewPlainClient("", cfg.Username, cfg.Password)
	if err := client.Authenticate(saslClient); err != nil {
		// Fall back to LOGIN command
		if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
			client.Close()
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}

	return client, nil
}
