package supervisor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// DefaultCertName is the vault entry holding the supervisor server certificate.
const DefaultCertName = "xt-servercert"

// Vault hands out named secrets.
type Vault interface {
	Secret(ctx context.Context, name string) ([]byte, error)
}

// FileVault reads secrets from files in a directory.
type FileVault struct {
	Dir string
}

func (v FileVault) Secret(_ context.Context, name string) ([]byte, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, xterr.Config("bad vault secret name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(v.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xterr.WithSentinel(xterr.CategoryConfig, xterr.ErrNotFound, "vault secret %q not found", name)
		}
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "read vault secret "+name)
	}
	return data, nil
}

// BlobVault reads secrets from a blob store prefix.
type BlobVault struct {
	Store  blobstore.Store
	Prefix string
}

func (v BlobVault) Secret(ctx context.Context, name string) ([]byte, error) {
	prefix := v.Prefix
	if prefix == "" {
		prefix = "vault"
	}
	return blobstore.Read(ctx, v.Store, prefix+"/"+name)
}

// writeCertFile writes pem to a temp file. The caller removes it.
func writeCertFile(pem []byte) (string, error) {
	f, err := os.CreateTemp("", "xt-servercert-*.pem")
	if err != nil {
		return "", xterr.Wrap(xterr.CategoryEnv, err, "create cert file")
	}
	defer f.Close()
	if _, err := f.Write(pem); err != nil {
		os.Remove(f.Name())
		return "", xterr.Wrap(xterr.CategoryEnv, err, "write cert file")
	}
	return f.Name(), nil
}

// ClientTLS fetches the server certificate from the vault, writes it to a
// temp file and builds a client config trusting it. The file is removed
// before returning.
func ClientTLS(ctx context.Context, vault Vault, certName string) (*tls.Config, error) {
	if certName == "" {
		certName = DefaultCertName
	}
	pem, err := vault.Secret(ctx, certName)
	if err != nil {
		return nil, err
	}
	path, err := writeCertFile(pem)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "read cert file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, xterr.Config("vault secret %q holds no PEM certificate", certName)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// ServerTLS builds the listener config from a PEM holding the certificate
// and its key.
func ServerTLS(pem []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(pem, pem)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryConfig, err, "load server certificate")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
