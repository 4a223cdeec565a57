// Package tlsca manages the proxy's own certificate authority and the
// per-hostname leaf certificates it mints on demand to intercept TLS
// connections. The CA is generated once and persisted to disk; leaf
// certificates are cached in memory and (re)issued at most once
// concurrently per hostname.
package tlsca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/logger"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 825 * 24 * time.Hour
	// leafBackdate accounts for client/server clock skew: issuing a
	// leaf valid slightly in the past avoids "not yet valid" failures
	// on peers whose clock runs behind ours.
	leafBackdate = 60 * time.Second
)

// CASubject parameterizes the self-signed CA's subject fields. Every
// field is optional; CommonName defaults to "httpsintercept local CA"
// when empty.
type CASubject struct {
	Country      string
	State        string
	Locality     string
	Organization string
	CommonName   string
}

// Store owns the CA keypair and the leaf certificate cache.
type Store struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	caTLS  tls.Certificate

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	issue singleflight.Group
}

// NewStore generates a fresh self-signed CA with default subject
// fields. Use LoadOrCreateStore to persist and reuse a CA across
// process restarts, or NewStoreWithSubject to set the CA's subject.
func NewStore() (*Store, error) {
	return NewStoreWithSubject(CASubject{})
}

// NewStoreWithSubject generates a fresh self-signed CA whose subject
// carries the given fields.
func NewStoreWithSubject(subject CASubject) (*Store, error) {
	caCert, caKey, err := generateCA(subject)
	if err != nil {
		return nil, err
	}
	return newStoreFromCA(caCert, caKey)
}

// LoadOrCreateStore loads a CA certificate/key pair from the given PEM
// files, generating and writing a new pair with default subject fields
// if either file is absent.
func LoadOrCreateStore(certPath, keyPath string) (*Store, error) {
	return LoadOrCreateStoreWithSubject(certPath, keyPath, CASubject{})
}

// LoadOrCreateStoreWithSubject is LoadOrCreateStore, but uses subject
// for the CA generated when certPath/keyPath are absent.
func LoadOrCreateStoreWithSubject(certPath, keyPath string, subject CASubject) (*Store, error) {
	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return loadStore(certPath, keyPath)
		}
	}
	caCert, caKey, err := generateCA(subject)
	if err != nil {
		return nil, err
	}
	if err := saveCA(certPath, keyPath, caCert, caKey); err != nil {
		return nil, err
	}
	logger.Info("generated new CA and saved to %s / %s", certPath, keyPath)
	return newStoreFromCA(caCert, caKey)
}

func loadStore(certPath, keyPath string) (*Store, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", certPath)
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyPath)
	}
	caKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	if caKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("CA key at %s uses curve %s, expected P-256", keyPath, caKey.Curve.Params().Name)
	}
	if !caCert.IsCA {
		return nil, fmt.Errorf("CA certificate at %s is not marked CA:TRUE", certPath)
	}
	return newStoreFromCA(caCert, caKey)
}

func newStoreFromCA(caCert *x509.Certificate, caKey *ecdsa.PrivateKey) (*Store, error) {
	tlsCert := tls.Certificate{
		Certificate: [][]byte{caCert.Raw},
		PrivateKey:  caKey,
		Leaf:        caCert,
	}
	return &Store{
		caCert: caCert,
		caKey:  caKey,
		caTLS:  tlsCert,
		cache:  make(map[string]*tls.Certificate),
	}, nil
}

// CACertificate returns the CA's certificate, for distribution to
// clients that need to trust this proxy.
func (s *Store) CACertificate() *x509.Certificate { return s.caCert }

// SaveCA persists the Store's CA certificate and key to certPath and
// keyPath as PEM, independent of how the Store was constructed. This
// lets a caller hold a CA generated in memory by NewStore/
// NewStoreWithSubject, decide to keep it, and persist it on its own
// schedule rather than only at construction time.
func (s *Store) SaveCA(certPath, keyPath string) error {
	return saveCA(certPath, keyPath, s.caCert, s.caKey)
}

func generateCA(subject CASubject) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      caSubjectName(subject),
		NotBefore:    now.Add(-leafBackdate),
		NotAfter:     now.Add(caValidity),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:         true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing generated CA certificate: %w", err)
	}
	return cert, key, nil
}

// caSubjectName builds the CA certificate's pkix.Name from subject,
// defaulting CommonName when unset.
func caSubjectName(subject CASubject) pkix.Name {
	name := pkix.Name{CommonName: subject.CommonName}
	if name.CommonName == "" {
		name.CommonName = "httpsintercept local CA"
	}
	if subject.Country != "" {
		name.Country = []string{subject.Country}
	}
	if subject.State != "" {
		name.Province = []string{subject.State}
	}
	if subject.Locality != "" {
		name.Locality = []string{subject.Locality}
	}
	if subject.Organization != "" {
		name.Organization = []string{subject.Organization}
	}
	return name
}

func saveCA(certPath, keyPath string, cert *x509.Certificate, key *ecdsa.PrivateKey) error {
	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		return fmt.Errorf("writing %s: %w", certPath, err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", keyPath, err)
	}
	defer keyOut.Close()
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshalling CA key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return fmt.Errorf("writing %s: %w", keyPath, err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// normalizeHost lowercases and IDNA-normalizes host for use both as the
// leaf cache key and as the certificate's subject/SAN. IP literals
// bypass IDNA and are returned in canonical textual form with
// isIP=true so the caller knows to set an IP SAN rather than a DNS SAN.
func normalizeHost(host string) (normalized string, isIP bool, err error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), true, nil
	}
	lowered := strings.ToLower(host)
	n, err := idna.Lookup.ToASCII(lowered)
	if err != nil {
		return "", false, fmt.Errorf("normalizing hostname %q: %w", host, err)
	}
	return n, false, nil
}

// ServerConfigFor returns a *tls.Config that presents a leaf
// certificate for host, issuing one on first use. This satisfies the
// requirement that each intercepted hostname gets its own TLS
// configuration rather than a single shared one.
func (s *Store) ServerConfigFor(host string) (*tls.Config, error) {
	cert, err := s.leafFor(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerConfigSNI returns a *tls.Config whose GetCertificate callback
// issues a leaf certificate matched to the SNI value the client
// presents during the handshake. Use this when the target host is not
// known until the ClientHello arrives (plain TCP passthrough before
// TLS, or a listener shared across hostnames).
func (s *Store) ServerConfigSNI() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				return nil, fmt.Errorf("client did not send SNI")
			}
			return s.leafFor(host)
		},
	}
}

// leafFor returns a cached leaf certificate for host, issuing one if
// absent. Concurrent callers for the same normalized host share a
// single issuance via singleflight.
func (s *Store) leafFor(host string) (*tls.Certificate, error) {
	key, isIP, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	if cert, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return cert, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.issue.Do(key, func() (any, error) {
		s.mu.RLock()
		if cert, ok := s.cache[key]; ok {
			s.mu.RUnlock()
			return cert, nil
		}
		s.mu.RUnlock()

		cert, err := s.issueLeaf(key, isIP)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[key] = cert
		s.mu.Unlock()
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (s *Store) issueLeaf(normalizedHost string, isIP bool) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: normalizedHost},
		NotBefore:    now.Add(-leafBackdate),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if isIP {
		template.IPAddresses = []net.IP{net.ParseIP(normalizedHost)}
	} else {
		template.DNSNames = []string{normalizedHost}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("issuing leaf certificate for %q: %w", normalizedHost, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued leaf certificate: %w", err)
	}
	logger.Debug("issued leaf certificate for %s", normalizedHost)
	return &tls.Certificate{
		Certificate: [][]byte{der, s.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
