package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// TLSOptions holds TLS configuration that can be unmarshaled from config files.
type TLSOptions struct {
	Enabled            bool   `mapstructure:"enabled" json:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify" json:"insecureSkipVerify"`
	ServerName         string `mapstructure:"serverName" json:"serverName,omitempty"`
	CAFile             string `mapstructure:"caFile" json:"caFile,omitempty"`
	CertFile           string `mapstructure:"certFile" json:"certFile,omitempty"`
	KeyFile            string `mapstructure:"keyFile" json:"keyFile,omitempty"`
	CACert             string `mapstructure:"caCert" json:"caCert,omitempty"`
	ClientCert         string `mapstructure:"clientCert" json:"clientCert,omitempty"`
	ClientKey          string `mapstructure:"clientKey" json:"clientKey,omitempty"`
}

// Options configures a Bus.
type Options struct {
	// Broker is a broker URL such as tcp://127.0.0.1:1883 or ssl://host:8883.
	Broker               string
	ClientID             string
	Username             string
	Password             string
	CleanSession         bool
	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
	TLS                  *TLSOptions
}

// BrokerURL builds a broker URL from host and port.
func BrokerURL(host string, port int, useTLS bool) string {
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// NewClientID returns a random client id. A stable id should be configured
// when a persistent session (cleanSession=false) is wanted across restarts.
func NewClientID() string {
	return "mqtt2pg-" + uuid.NewString()[:8]
}

// pahoOptions translates opts to paho options. Acknowledgments are manual and
// messages are delivered in order, one at a time, so a blocking handler slows
// the broker down instead of piling up goroutines.
func pahoOptions(opts Options) (*mqtt.ClientOptions, error) {
	pahoOpts := mqtt.NewClientOptions()
	if opts.Broker == "" {
		return nil, fmt.Errorf("no broker configured")
	}
	pahoOpts.AddBroker(opts.Broker)

	if opts.ClientID == "" {
		opts.ClientID = NewClientID()
	}
	pahoOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		pahoOpts.SetPassword(opts.Password)
	}
	if opts.TLS != nil && opts.TLS.Enabled {
		tlsConfig, err := createTLSConfig(opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		pahoOpts.SetTLSConfig(tlsConfig)
	}
	if opts.KeepAlive > 0 {
		pahoOpts.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		pahoOpts.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.MaxReconnectInterval > 0 {
		pahoOpts.SetMaxReconnectInterval(opts.MaxReconnectInterval)
	}

	pahoOpts.SetCleanSession(opts.CleanSession)
	pahoOpts.SetOrderMatters(true)
	pahoOpts.SetAutoReconnect(true)
	pahoOpts.SetConnectRetry(false)
	pahoOpts.SetResumeSubs(true)
	pahoOpts.SetAutoAckDisabled(true)

	return pahoOpts, nil
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	if tlsOpts == nil {
		return nil, nil
	}

	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify, //nolint:gosec
		ServerName:         tlsOpts.ServerName,
	}

	if tlsOpts.CAFile != "" || tlsOpts.CACert != "" {
		caCertPool := x509.NewCertPool()

		var caCert []byte
		var err error

		if tlsOpts.CAFile != "" {
			caCert, err = os.ReadFile(tlsOpts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
		} else {
			caCert = []byte(tlsOpts.CACert)
		}

		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if (tlsOpts.CertFile != "" && tlsOpts.KeyFile != "") ||
		(tlsOpts.ClientCert != "" && tlsOpts.ClientKey != "") {

		var cert tls.Certificate
		var err error

		if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
			cert, err = tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		} else {
			cert, err = tls.X509KeyPair([]byte(tlsOpts.ClientCert), []byte(tlsOpts.ClientKey))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
