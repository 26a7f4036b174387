// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ztls wraps Go's crypto/tls with the verification policy, CRL
// checking, and chain-depth enforcement the stream stack's ssl layer
// needs, mirroring the mTLS configuration style already used by
// internal/pki but generalized to the four-state verification policy
// spec.md describes.
package ztls

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// newSessionID generates a random hex string used purely to correlate log
// records for a single TLS session; it carries no security meaning.
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}

// VerifyPolicy selects how aggressively the handshake enforces trust-chain
// validity.
type VerifyPolicy int

const (
	// VerifyNone performs no certificate verification at all.
	VerifyNone VerifyPolicy = iota
	// VerifyOptional verifies but accepts a certificate whose chain fails
	// only with an unknown or untrusted issuer (x509.UnknownAuthorityError);
	// nothing is logged when the error is suppressed.
	VerifyOptional
	// VerifyRequiredUntrusted suppresses the same untrusted-issuer errors
	// as VerifyOptional; any other chain error fails the handshake.
	VerifyRequiredUntrusted
	// VerifyRequiredTrusted is full verification against the configured
	// CA pool; any chain error fails the handshake.
	VerifyRequiredTrusted
)

// ErrChainTooLong is the verification failure emitted when a presented
// chain exceeds MaxDepth.
var ErrChainTooLong = errors.New("ztls: CERT_CHAIN_TOO_LONG")

// Config describes how to build a Session.
type Config struct {
	// KeyPEM/CertPEM or KeyFile/CertFile — one pair must be set; when both
	// pairs are set, the files are used.
	CertFile, KeyFile string
	CertPEM, KeyPEM   []byte

	CADir  string
	CRLDir string

	MaxDepth int
	Policy   VerifyPolicy

	// ServerName is used for client-side handshakes (SNI + verification).
	ServerName string
}

// Session bundles a tls.Config with the verification policy and a
// session-id string used purely for log correlation.
type Session struct {
	TLSConfig *tls.Config
	SessionID string

	policy   VerifyPolicy
	maxDepth int
	crl      *crlStore
}

// NewSession builds a Session from cfg, installing a VerifyPeerCertificate
// callback that enforces chain depth, consults the CRL store if configured,
// and applies the policy's error-suppression rules.
func NewSession(cfg Config) (*Session, error) {
	cert, err := loadCertificate(cfg)
	if err != nil {
		return nil, err
	}

	roots, err := loadCAPool(cfg.CADir)
	if err != nil {
		return nil, err
	}

	var crl *crlStore
	if cfg.CRLDir != "" {
		crl, err = newCRLStore(cfg.CRLDir)
		if err != nil {
			return nil, err
		}
	}

	s := &Session{
		SessionID: newSessionID(),
		policy:    cfg.Policy,
		maxDepth:  cfg.MaxDepth,
		crl:       crl,
	}

	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{cert},
		RootCAs:            roots,
		ClientCAs:          roots,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: true, // verification is done entirely in VerifyPeerCertificate
	}
	tc.VerifyPeerCertificate = s.verifyPeerCertificate(roots)
	if cfg.Policy != VerifyNone {
		tc.ClientAuth = tls.RequireAnyClientCert
	}

	s.TLSConfig = tc
	return s, nil
}

func loadCertificate(cfg Config) (tls.Certificate, error) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	}
	if len(cfg.CertPEM) > 0 && len(cfg.KeyPEM) > 0 {
		return tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM)
	}
	return tls.Certificate{}, errors.New("ztls: no certificate/key provided")
}

func loadCAPool(dir string) (*x509.CertPool, error) {
	if dir == "" {
		return x509.NewCertPool(), nil
	}
	pool, err := caPoolCache.get(dir)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// verifyPeerCertificate replicates the original's per-session verification
// callback: chain-depth enforcement, CRL lookups, then policy-driven error
// suppression.
func (s *Session) verifyPeerCertificate(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if s.policy == VerifyNone {
			return nil
		}
		if len(rawCerts) == 0 {
			return errors.New("ztls: no certificate presented")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("ztls: parsing certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		if s.maxDepth > 0 && len(certs) > s.maxDepth {
			return ErrChainTooLong
		}

		if s.crl != nil {
			for _, cert := range certs {
				if err := s.crl.check(cert); err != nil {
					return err
				}
			}
		}

		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
			CurrentTime:   time.Now(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		if err == nil {
			return nil
		}

		switch s.policy {
		case VerifyOptional, VerifyRequiredUntrusted:
			// Suppress only the untrusted-issuer class of chain errors;
			// structural failures have already returned above.
			var unknownAuthority x509.UnknownAuthorityError
			if errors.As(err, &unknownAuthority) {
				return nil
			}
			return fmt.Errorf("ztls: chain verification failed: %w", err)
		default:
			return fmt.Errorf("ztls: chain verification failed: %w", err)
		}
	}
}

// caPoolCache maps a CA directory path + mtime to its parsed pool, clearing
// the entry whenever the directory's mtime changes.
var caPoolCache = newCAPoolCacheType()

type caPoolCacheType struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	mtime time.Time
	pool  *x509.CertPool
	names []*pkix.Name
}

func newCAPoolCacheType() *caPoolCacheType {
	return &caPoolCacheType{entries: map[string]cacheEntry{}}
}

func (c *caPoolCacheType) get(dir string) (*x509.CertPool, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("ztls: stat CA dir %s: %w", dir, err)
	}

	c.mu.Lock()
	entry, ok := c.entries[dir]
	c.mu.Unlock()
	if ok && entry.mtime.Equal(fi.ModTime()) {
		return entry.pool, nil
	}

	pool, names, err := parseCADir(dir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[dir] = cacheEntry{mtime: fi.ModTime(), pool: pool, names: names}
	c.mu.Unlock()
	return pool, nil
}

// ServerCertNames returns the X509 subject names advertised to clients
// during a server handshake, drawn from the same cached directory scan
// used for verification.
func (c *caPoolCacheType) ServerCertNames(dir string) ([]*pkix.Name, error) {
	if _, err := c.get(dir); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[dir].names, nil
}

func parseCADir(dir string) (*x509.CertPool, []*pkix.Name, error) {
	pool := x509.NewCertPool()
	var names []*pkix.Name

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("ztls: reading CA dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if !pool.AppendCertsFromPEM(data) {
			continue
		}
		if cert, err := x509.ParseCertificate(derOrPEM(data, "CERTIFICATE")); err == nil {
			names = append(names, &cert.Subject)
		}
	}
	return pool, names, nil
}
