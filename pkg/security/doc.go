/*
Package security provides the certificate authority and mTLS
certificate lifecycle used to secure raftkv's peer transport and
clientapi endpoint.

# Architecture

	Root CA (self-signed)
	├── 10-year validity, RSA 4096-bit key
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=raftkv Root CA, O=raftkv cluster

	Peer / Client Certificates (issued by root)
	├── 90-day validity, RSA 2048-bit key
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ServerAuth+ClientAuth (peers), ClientAuth only (clients)
	└── Subject: CN={role}-{identity}, O=raftkv cluster

The root CA's certificate and private key are persisted as plain PEM
files (ca-root.crt, ca-root.key) rather than encrypted in a database —
raftkv has no separate secrets store to hold an encryption key in, and
every cluster peer already trusts its own filesystem with its Raft log
and snapshots.

# Usage

	ca := security.NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		panic(err)
	}
	if err := ca.SaveToFile(caDir); err != nil {
		panic(err)
	}

	tlsCert, err := ca.IssueNodeCertificate(string(self), "peer", dnsNames, ipAddresses)
	if err != nil {
		panic(err)
	}
	if err := security.SaveCertToFile(tlsCert, certDir); err != nil {
		panic(err)
	}

On a later process, load the same root instead of generating a new
(mutually untrusted) one:

	ca := security.NewCertAuthority()
	if err := ca.LoadFromFile(caDir); err != nil {
		panic(err)
	}

# gRPC integration

pkg/clientapi dials and serves over mTLS by wrapping the issued
tls.Certificate in a credentials.TransportCredentials:

	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{peerCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    rootPool,
	})

# Certificate rotation

CertNeedsRotation reports true once a certificate has less than 30
days of validity remaining; callers are expected to call
IssueNodeCertificate/IssueClientCertificate again and overwrite the
files on disk. Automatic rotation is not implemented.
*/
package security
