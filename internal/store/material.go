package store

// Material is the set of PEM documents making up one live version of a
// record. Key and chain are optional.
type Material struct {
	CertPEM  []byte
	KeyPEM   []byte
	ChainPEM []byte
}

// File names inside a live or backup directory.
const (
	certFile  = "cert.pem"
	keyFile   = "key.pem"
	chainFile = "chain.pem"
	metaFile  = "metadata.json"
)
