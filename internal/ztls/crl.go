// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ztls

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// derOrPEM decodes a PEM block of the given type if data looks PEM-encoded,
// returning its DER bytes; otherwise it returns data unchanged, treating it
// as already-DER. CA and CRL material both circulate in PEM form elsewhere
// in this package (parseCADir), so CRL-dir files accept either.
func derOrPEM(data []byte, blockType string) []byte {
	block, _ := pem.Decode(data)
	if block != nil && block.Type == blockType {
		return block.Bytes
	}
	return data
}

// ErrRevoked is returned when a certificate's serial number is found on its
// issuing CA's CRL.
var ErrRevoked = errors.New("ztls: certificate revoked")

// ErrCRLExpired is returned when the applicable CRL's nextUpdate has
// already passed.
var ErrCRLExpired = errors.New("ztls: CRL has expired (nextUpdate passed)")

// ErrCRLSignature is returned when a CRL's signature does not verify
// against its claimed issuer's public key.
var ErrCRLSignature = errors.New("ztls: CRL signature verification failed")

// crlStore maps an issuer's distinguished name (cert.Issuer.String()) to its
// parsed, signature-verified CRL, loaded lazily from CRLDir on first use and
// kept for the store's lifetime.
type crlStore struct {
	dir string

	mu      sync.Mutex
	byIssuer map[string]*x509.RevocationList
}

func newCRLStore(dir string) (*crlStore, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("ztls: CRL dir %s: %w", dir, err)
	}
	return &crlStore{dir: dir, byIssuer: map[string]*x509.RevocationList{}}, nil
}

// check verifies cert against the CRL of its issuer, looking up the CRL by
// the issuer's distinguished name. Any failure (missing CRL file, bad signature,
// expired nextUpdate, matching revoked serial) fails the handshake.
func (c *crlStore) check(cert *x509.Certificate) error {
	issuerKey := cert.Issuer.String()

	c.mu.Lock()
	crl, ok := c.byIssuer[issuerKey]
	c.mu.Unlock()

	if !ok {
		loaded, err := c.loadFor(cert)
		if err != nil {
			return err
		}
		crl = loaded
		c.mu.Lock()
		c.byIssuer[issuerKey] = crl
		c.mu.Unlock()
	}

	if crl.NextUpdate.Before(time.Now()) {
		return ErrCRLExpired
	}
	for _, revoked := range crl.RevokedCertificateEntries {
		if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return ErrRevoked
		}
	}
	return nil
}

func (c *crlStore) loadFor(cert *x509.Certificate) (*x509.RevocationList, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("ztls: reading CRL dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			continue
		}
		crl, err := x509.ParseRevocationList(derOrPEM(data, "X509 CRL"))
		if err != nil {
			continue
		}
		if crl.Issuer.String() != cert.Issuer.String() {
			continue
		}
		issuerCert := issuerCertFromStore(c.dir, crl)
		if issuerCert == nil {
			return nil, fmt.Errorf("%w: issuer certificate not found in CRL dir", ErrCRLSignature)
		}
		if err := crl.CheckSignatureFrom(issuerCert); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCRLSignature, err)
		}
		return crl, nil
	}
	return nil, fmt.Errorf("ztls: no CRL found for issuer %q", cert.Issuer.String())
}

// issuerCertFromStore scans dir for a certificate (PEM or DER) whose subject
// matches the CRL's issuer, for verifying the CRL signature. It returns nil
// when none matches, and loadFor then fails closed with ErrCRLSignature.
func issuerCertFromStore(dir string, crl *x509.RevocationList) *x509.Certificate {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		cert, err := x509.ParseCertificate(derOrPEM(data, "CERTIFICATE"))
		if err != nil {
			continue
		}
		if cert.Subject.String() == crl.Issuer.String() {
			return cert
		}
	}
	return nil
}
