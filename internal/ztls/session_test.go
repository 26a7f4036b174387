// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ztls_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/ztls"
)

type testCert struct {
	cert *x509.Certificate
	der  []byte
	key  *ecdsa.PrivateKey
}

func mustGenCA(t *testing.T, commonName string) testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return testCert{cert: cert, der: der, key: key}
}

func mustGenLeaf(t *testing.T, ca testCert, serial int64, commonName string) testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return testCert{cert: cert, der: der, key: key}
}

func pemCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func pemKey(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func writeCADir(t *testing.T, certs ...testCert) string {
	t.Helper()
	dir := t.TempDir()
	for i, c := range certs {
		path := filepath.Join(dir, "ca"+string(rune('0'+i))+".pem")
		if err := os.WriteFile(path, pemCert(c.der), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return dir
}

func newSessionFixture(t *testing.T, ca testCert, policy ztls.VerifyPolicy, maxDepth int, crlDir string) *ztls.Session {
	t.Helper()
	identity := mustGenLeaf(t, ca, 99, "session-identity")
	sess, err := ztls.NewSession(ztls.Config{
		CertPEM:  pemCert(identity.der),
		KeyPEM:   pemKey(t, identity.key),
		CADir:    writeCADir(t, ca),
		CRLDir:   crlDir,
		MaxDepth: maxDepth,
		Policy:   policy,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func TestVerifyPeerCertificateTrustedChainPasses(t *testing.T) {
	ca := mustGenCA(t, "test-ca")
	leaf := mustGenLeaf(t, ca, 2, "client")
	sess := newSessionFixture(t, ca, ztls.VerifyRequiredTrusted, 0, "")

	if err := sess.TLSConfig.VerifyPeerCertificate([][]byte{leaf.der}, nil); err != nil {
		t.Fatalf("expected a trusted chain to verify, got %v", err)
	}
}

func TestVerifyPeerCertificateUntrustedChainFailsUnderRequiredTrusted(t *testing.T) {
	ca := mustGenCA(t, "real-ca")
	otherCA := mustGenCA(t, "other-ca")
	leaf := mustGenLeaf(t, otherCA, 2, "client")
	sess := newSessionFixture(t, ca, ztls.VerifyRequiredTrusted, 0, "")

	if err := sess.TLSConfig.VerifyPeerCertificate([][]byte{leaf.der}, nil); err == nil {
		t.Fatal("expected verification against an unrelated CA to fail")
	}
}

func TestVerifyPeerCertificateOptionalSuppressesUntrustedChain(t *testing.T) {
	ca := mustGenCA(t, "real-ca")
	otherCA := mustGenCA(t, "other-ca")
	leaf := mustGenLeaf(t, otherCA, 2, "client")
	sess := newSessionFixture(t, ca, ztls.VerifyOptional, 0, "")

	if err := sess.TLSConfig.VerifyPeerCertificate([][]byte{leaf.der}, nil); err != nil {
		t.Fatalf("expected VerifyOptional to suppress the trust-chain error, got %v", err)
	}
}

func TestVerifyPeerCertificateChainTooLong(t *testing.T) {
	ca := mustGenCA(t, "test-ca")
	leaf := mustGenLeaf(t, ca, 2, "client")
	sess := newSessionFixture(t, ca, ztls.VerifyRequiredTrusted, 1, "")

	err := sess.TLSConfig.VerifyPeerCertificate([][]byte{leaf.der, ca.der}, nil)
	if err != ztls.ErrChainTooLong {
		t.Fatalf("expected ErrChainTooLong for a 2-certificate chain with MaxDepth=1, got %v", err)
	}
}

func TestVerifyPeerCertificateRevokedFailsEvenUnderOptional(t *testing.T) {
	ca := mustGenCA(t, "test-ca")
	leaf := mustGenLeaf(t, ca, 7, "revoked-client")

	crlDir := t.TempDir()
	revokeTmpl := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: leaf.cert.SerialNumber, RevocationTime: time.Now().Add(-time.Minute)},
		},
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, revokeTmpl, ca.cert, ca.key)
	if err != nil {
		t.Fatalf("CreateRevocationList: %v", err)
	}
	if err := os.WriteFile(filepath.Join(crlDir, "ca.crl"), pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crlDER}), 0o600); err != nil {
		t.Fatalf("WriteFile CRL: %v", err)
	}
	// The CRL signature check needs the issuing CA's own certificate in
	// the same directory the CRL loader scans.
	if err := os.WriteFile(filepath.Join(crlDir, "ca.pem"), pemCert(ca.der), 0o600); err != nil {
		t.Fatalf("WriteFile CA cert: %v", err)
	}

	sess := newSessionFixture(t, ca, ztls.VerifyOptional, 0, crlDir)
	err = sess.TLSConfig.VerifyPeerCertificate([][]byte{leaf.der}, nil)
	if err != ztls.ErrRevoked {
		t.Fatalf("expected ErrRevoked for a CRL-listed serial, got %v", err)
	}
}
