package lwm2m

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	piondtls "github.com/pion/dtls/v2"
)

// SecurityMode is the Security Object's `security_mode` resource, per
// spec.md §4.7/§6 GLOSSARY.
type SecurityMode int

const (
	SecurityModeNone SecurityMode = iota
	SecurityModePSK
	SecurityModeRPK
)

func (m SecurityMode) String() string {
	switch m {
	case SecurityModeNone:
		return "NoSec"
	case SecurityModePSK:
		return "PSK"
	case SecurityModeRPK:
		return "RPK"
	default:
		return "unknown"
	}
}

// SecurityConfig is one Security Object instance's connection material,
// per spec.md §4.1/§4.7.
type SecurityConfig struct {
	ServerURI  string
	ServerID   uint16
	Mode       SecurityMode
	Identity   string // PSK identity (security_mode == PSK)
	Key        []byte // PSK key (security_mode == PSK)
	PrivateKey *ecdsa.PrivateKey
	PublicKey  []byte // raw EC public key the peer is expected to present (security_mode == RPK)
}

// GenerateRPKKeypair creates a fresh P-256 keypair for RPK mode, per
// spec.md §4.7. The caller stores PrivateKey locally and advertises the
// marshalled public key to its peer out of band.
func GenerateRPKKeypair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, Errorf(KindTransport, "generating RPK keypair: %v", err)
	}
	return key, nil
}

// ClientDTLSConfig builds the pion/dtls/v2 configuration a client uses to
// dial ServerURI, per spec.md §4.7: PSK and RPK are the only two secure
// cipher suite families supported (Non-goals exclude full X.509).
func (c SecurityConfig) ClientDTLSConfig() (*piondtls.Config, error) {
	switch c.Mode {
	case SecurityModeNone:
		return nil, nil
	case SecurityModePSK:
		if len(c.Key) == 0 {
			return nil, Errorf(KindInvalidArgument, "PSK mode requires a non-empty key")
		}
		return &piondtls.Config{
			PSK: func(hint []byte) ([]byte, error) {
				return c.Key, nil
			},
			PSKIdentityHint: []byte(c.Identity),
			CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
		}, nil
	case SecurityModeRPK:
		if c.PrivateKey == nil {
			return nil, Errorf(KindInvalidArgument, "RPK mode requires a local private key")
		}
		cert, err := rawPublicKeyCertificate(c.PrivateKey)
		if err != nil {
			return nil, err
		}
		return &piondtls.Config{
			Certificates:         []tls.Certificate{cert},
			InsecureSkipVerify:   true, // identity is instead checked in VerifyPeerCertificate below
			ClientAuth:           piondtls.RequireAnyClientCert,
			ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
			CipherSuites:         []piondtls.CipherSuiteID{piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8},
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return verifyRawPublicKey(rawCerts, c.PublicKey)
			},
		}, nil
	default:
		return nil, Errorf(KindInvalidArgument, "unsupported security mode %v", c.Mode)
	}
}

// ServerDTLSConfigs groups the up-to-three DTLS listener configurations a
// server runs, per spec.md §4.7 ("at most 3 DTLS endpoints: clear, PSK,
// RPK, shared by all clients"). PSKLookup resolves a connecting client's
// advertised identity to its PSK key; RPKLookup reports whether a
// client's presented certificates are accepted.
type ServerDTLSConfigs struct {
	PSKLookup func(identity []byte) (key []byte, ok bool)
	RPKLookup func(rawCerts [][]byte) (ok bool)
}

// PSKServerConfig builds the PSK listener config, per spec.md §4.7.
func (s ServerDTLSConfigs) PSKServerConfig() *piondtls.Config {
	return &piondtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			key, ok := s.PSKLookup(hint)
			if !ok {
				return nil, Errorf(KindUnauthorized, "unknown PSK identity")
			}
			return key, nil
		},
		CipherSuites: []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}

// RPKServerConfig builds the RPK listener config, per spec.md §4.7.
func (s ServerDTLSConfigs) RPKServerConfig(cert tls.Certificate) *piondtls.Config {
	return &piondtls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         piondtls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		CipherSuites:       []piondtls.CipherSuiteID{piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if s.RPKLookup(rawCerts) {
				return nil
			}
			return Errorf(KindUnauthorized, "unrecognized raw public key")
		},
	}
}

func rawPublicKeyCertificate(key *ecdsa.PrivateKey) (tls.Certificate, error) {
	// A minimal self-signed leaf is sufficient here: RPK mode identifies
	// peers by the raw public key bytes, not by a certificate chain.
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, Errorf(KindTransport, "creating RPK leaf certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func verifyRawPublicKey(rawCerts [][]byte, want []byte) error {
	if len(want) == 0 {
		return nil
	}
	for _, raw := range rawCerts {
		if len(raw) == len(want) && string(raw) == string(want) {
			return nil
		}
	}
	return Errorf(KindUnauthorized, fmt.Sprintf("peer public key did not match the %d configured bytes", len(want)))
}
