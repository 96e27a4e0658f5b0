// Package security holds TLS settings shared by the relay client and the
// config package
package security

// ClientTLSConfig holds TLS settings for outgoing connections. The system CA
// bundle is always trusted; CAFiles are additional trusted CAs.
type ClientTLSConfig struct {
	CAFiles            []string `json:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `json:"min_version,omitempty"`          // "1.2" (default) or "1.3"

	// Client certificate for mutual TLS; both or neither
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// MutualTLS reports whether a client certificate is configured
func (c ClientTLSConfig) MutualTLS() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Problems lists what is wrong with the settings, if anything
func (c ClientTLSConfig) Problems() []string {
	var problems []string
	if (c.CertFile == "") != (c.KeyFile == "") {
		problems = append(problems, "tls.cert_file and tls.key_file must be set together")
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		problems = append(problems, "tls.min_version must be 1.2 or 1.3, got "+c.MinVersion)
	}
	return problems
}
