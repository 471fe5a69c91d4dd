package driver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

func init() {
	Register("certificate", NewCertificateDriver)
}

const defaultCertDays = 365

// CertificateDriver issues self-signed certificates. Issued PEM pairs
// are stable across retries; reissue happens only when the stored
// certificate is gone.
type CertificateDriver struct {
	state *State
}

func NewCertificateDriver(workDir string, opts config.JSONOpts) (Driver, error) {
	state, err := OpenState(workDir, "certificate")
	if err != nil {
		return nil, err
	}
	return &CertificateDriver{state: state}, nil
}

func (d *CertificateDriver) Name() string { return "certificate" }

func (d *CertificateDriver) Capabilities() []types.Kind {
	return []types.Kind{types.KindCertificate}
}

func (d *CertificateDriver) ListActual(ctx context.Context, kind types.Kind) ([]*types.Resource, error) {
	return d.state.List(kind)
}

func (d *CertificateDriver) Create(ctx context.Context, res *types.Resource) (*types.Resource, error) {
	var spec types.CertificateSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "malformed certificate spec")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if existing, err := d.state.Get(res.Kind, res.UUID); err == nil {
		existing.TargetVersion = res.Version
		if err := d.state.Put(existing); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
		}
		return existing, nil
	}

	certPEM, keyPEM, err := selfSign(&spec)
	if err != nil {
		return nil, err
	}
	spec.CertPEM = certPEM
	spec.KeyPEM = keyPEM

	actual := observed(res)
	actual.Status = types.StatusActive
	encoded, err := types.EncodeSpec(&spec)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindPermanent, "spec encode failed")
	}
	actual.Spec = encoded
	if err := d.state.Put(actual); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
	}
	return actual, nil
}

// Update keeps the issued PEM pair from the prior actual and only
// advances the tracked target version
func (d *CertificateDriver) Update(ctx context.Context, res *types.Resource, prior *types.Resource) (*types.Resource, error) {
	if prior == nil {
		return d.Create(ctx, res)
	}
	prior.TargetVersion = res.Version
	if err := d.state.Put(prior); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "state write failed")
	}
	return prior, nil
}

func (d *CertificateDriver) Delete(ctx context.Context, res *types.Resource) error {
	if err := d.state.Delete(res.Kind, res.UUID); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "state delete failed")
	}
	return nil
}

func (d *CertificateDriver) Close() error {
	return d.state.Close()
}

func selfSign(spec *types.CertificateSpec) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", errdefs.Wrap(err, errdefs.KindTransient, "key generation failed")
	}

	days := spec.Days
	if days <= 0 {
		days = defaultCertDays
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", errdefs.Wrap(err, errdefs.KindTransient, "serial generation failed")
	}

	now := time.Now().UTC()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: spec.CommonName},
		DNSNames:     spec.DNSNames,
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, days),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return "", "", errdefs.Wrap(err, errdefs.KindPermanent, "certificate creation failed")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", errdefs.Wrap(err, errdefs.KindPermanent, "key marshal failed")
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM, nil
}
