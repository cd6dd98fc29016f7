// Command gencert is a local development convenience for SecurityProfile 3
// deployments (spec.md GLOSSARY "SecurityProfile"): it mints a throwaway CA
// and a charging-station client certificate/key pair signed by it, or signs
// an externally generated CSR, so a developer can exercise mutual-TLS
// security profiles without standing up a real PKI.
//
// Adapted from the teacher's generate_certificate/main.go; the station
// identity fields are now flag-driven instead of hardcoded.
package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"
)

func main() {
	var isCA, isCRT, isSignCSR bool
	var csrFile, commonName, organization, country string

	flag.BoolVar(&isCA, "ca", false, "generate a CA")
	flag.BoolVar(&isCRT, "crt", false, "generate a charging station client certificate")
	flag.BoolVar(&isSignCSR, "csr", false, "sign a CSR")
	flag.StringVar(&csrFile, "csrf", "", "CSR file to sign")
	flag.StringVar(&commonName, "cn", "chargepoint", "certificate common name (charge point id)")
	flag.StringVar(&organization, "org", "Example Charge Point Operator", "certificate organization")
	flag.StringVar(&country, "country", "US", "certificate country code")
	flag.Parse()

	subject := pkix.Name{
		CommonName:   commonName,
		Organization: []string{organization},
		Country:      []string{country},
	}

	start := time.Now()
	var err error
	switch {
	case isCA:
		err = doGenCA(subject)
	case isCRT:
		err = doGenClientCert(subject)
	case isSignCSR:
		if csrFile == "" {
			flag.Usage()
			fmt.Fprintln(os.Stderr, "csr file not specified")
			os.Exit(2)
		}
		err = doSignCSR(csrFile)
	default:
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "elapsed:", time.Since(start))
}

func doGenCA(subject pkix.Name) error {
	ca, key, err := genCA(subject)
	if err != nil {
		return err
	}
	if err := writeToFile("ca.pem", ca); err != nil {
		return err
	}
	return writeToFile("ca.key", key)
}

func doGenClientCert(subject pkix.Name) error {
	caCert, err := os.ReadFile("ca.pem")
	if err != nil {
		return err
	}
	caPrivKey, err := os.ReadFile("ca.key")
	if err != nil {
		return err
	}
	cert, key, err := genClientCrt(subject, bytes.NewBuffer(caCert), bytes.NewBuffer(caPrivKey))
	if err != nil {
		return err
	}
	if err := writeToFile("client_cert.pem", cert); err != nil {
		return err
	}
	return writeToFile("client_cert.key", key)
}

func doSignCSR(csrFile string) error {
	caCert, err := os.ReadFile("ca.pem")
	if err != nil {
		return err
	}
	caPrivKey, err := os.ReadFile("ca.key")
	if err != nil {
		return err
	}
	clientCSR, err := os.ReadFile(csrFile)
	if err != nil {
		return err
	}
	clientCRT, err := signCSR(caCert, caPrivKey, clientCSR)
	if err != nil {
		return err
	}
	return writeToFile("signed_client_cert.pem", clientCRT)
}

func genCA(subject pkix.Name) (*bytes.Buffer, *bytes.Buffer, error) {
	sn, err := rand.Int(rand.Reader, big.NewInt(1000000000000000000))
	if err != nil {
		return nil, nil, err
	}
	ca := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caPrivKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, err
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, ca, ca, &caPrivKey.PublicKey, caPrivKey)
	if err != nil {
		return nil, nil, err
	}

	caPEM := new(bytes.Buffer)
	pem.Encode(caPEM, &pem.Block{Type: "CERTIFICATE", Bytes: caBytes})

	caPrivKeyPEM := new(bytes.Buffer)
	pem.Encode(caPrivKeyPEM, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caPrivKey)})

	return caPEM, caPrivKeyPEM, nil
}

func genClientCrt(subject pkix.Name, rawCA, caKey *bytes.Buffer) (*bytes.Buffer, *bytes.Buffer, error) {
	sn, err := rand.Int(rand.Reader, big.NewInt(1000000000000000000))
	if err != nil {
		return nil, nil, err
	}
	cert := &x509.Certificate{
		SerialNumber: sn,
		Subject:      subject,
		DNSNames:     []string{subject.CommonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(2, 0, 0),
		SubjectKeyId: []byte{1, 2, 3, 4, 6},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	certPrivKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, err
	}

	pemBlock, _ := pem.Decode(rawCA.Bytes())
	if pemBlock == nil {
		return nil, nil, errors.New("gencert: failed to parse CA certificate")
	}
	caCert, err := x509.ParseCertificate(pemBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	pemBlock, _ = pem.Decode(caKey.Bytes())
	if pemBlock == nil {
		return nil, nil, errors.New("gencert: failed to parse CA key")
	}
	caPrivKey, err := x509.ParsePKCS1PrivateKey(pemBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, cert, caCert, &certPrivKey.PublicKey, caPrivKey)
	if err != nil {
		return nil, nil, err
	}

	certPEM := new(bytes.Buffer)
	pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes})

	certPrivKeyPEM := new(bytes.Buffer)
	pem.Encode(certPrivKeyPEM, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(certPrivKey)})

	return certPEM, certPrivKeyPEM, nil
}

func signCSR(rawCA, caKey, rawCSR []byte) (*bytes.Buffer, error) {
	pemBlock, _ := pem.Decode(rawCA)
	if pemBlock == nil {
		return nil, errors.New("gencert: failed to parse CA")
	}
	caCert, err := x509.ParseCertificate(pemBlock.Bytes)
	if err != nil {
		return nil, err
	}

	pemBlock, _ = pem.Decode(caKey)
	if pemBlock == nil {
		return nil, errors.New("gencert: failed to parse CA private key")
	}
	caPrivKey, err := x509.ParsePKCS1PrivateKey(pemBlock.Bytes)
	if err != nil {
		return nil, err
	}

	pemBlock, _ = pem.Decode(rawCSR)
	if pemBlock == nil {
		return nil, errors.New("gencert: failed to parse CSR")
	}
	clientCSR, err := x509.ParseCertificateRequest(pemBlock.Bytes)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		Signature:          clientCSR.Signature,
		SignatureAlgorithm: clientCSR.SignatureAlgorithm,
		PublicKeyAlgorithm: clientCSR.PublicKeyAlgorithm,
		PublicKey:          clientCSR.PublicKey,
		Subject:            clientCSR.Subject,
		SerialNumber:       big.NewInt(2),
		Issuer:             caCert.Subject,
		NotBefore:          time.Now(),
		NotAfter:           time.Now().AddDate(2, 0, 0),
		KeyUsage:           x509.KeyUsageDigitalSignature,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientCRTBytes, err := x509.CreateCertificate(rand.Reader, &template, caCert, clientCSR.PublicKey, caPrivKey)
	if err != nil {
		return nil, err
	}
	clientPEM := new(bytes.Buffer)
	pem.Encode(clientPEM, &pem.Block{Type: "CERTIFICATE", Bytes: clientCRTBytes})
	return clientPEM, nil
}

func writeToFile(filename string, data *bytes.Buffer) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data.Bytes())
	return err
}
