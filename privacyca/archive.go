package privacyca

import (
	"crypto/x509"
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"
)

// Archive records every certificate the issuer signs.
type Archive interface {
	Store(kind CertKind, cert *x509.Certificate) error
}

type discardArchive struct{}

func (discardArchive) Store(CertKind, *x509.Certificate) error { return nil }

// FileArchive writes issued/<kind>/<serial>.pem under Dir. Existing files are
// never overwritten.
type FileArchive struct {
	Fs  afero.Fs
	Dir string
}

func NewFileArchive(fs afero.Fs, dir string) *FileArchive {
	return &FileArchive{Fs: fs, Dir: dir}
}

func (a *FileArchive) Store(kind CertKind, cert *x509.Certificate) error {
	dir := path.Join(a.Dir, "issued", string(kind))
	if err := a.Fs.MkdirAll(dir, 0700); err != nil {
		return err
	}
	name := path.Join(dir, cert.SerialNumber.Text(16)+".pem")
	f, err := a.Fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(PEM(cert.Raw)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads back an archived certificate.
func (a *FileArchive) Load(kind CertKind, serialHex string) (*x509.Certificate, error) {
	data, err := afero.ReadFile(a.Fs, path.Join(a.Dir, "issued", string(kind), serialHex+".pem"))
	if err != nil {
		return nil, err
	}
	certs, err := parsePEMCertificates(data)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}
