package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	_ "crypto/sha256" // registers crypto.SHA256
	_ "crypto/sha512" // registers crypto.SHA384
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

// kmsKeyFetcher is the subset of the KMS API needed to fetch a public key.
type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks detached catalog signatures made with an asymmetric KMS
// key. Only the public key is fetched, verification happens locally.
type KMSVerifier struct {
	client kmsKeyFetcher
	keyARN string

	mu  sync.Mutex
	pub crypto.PublicKey
}

func NewKMSVerifier(client *kms.Client, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyARN: keyARN}
}

// KeyARN returns the key the verifier was configured with.
func (v *KMSVerifier) KeyARN() string { return v.keyARN }

// PublicKey returns the key's public half, fetching it on first use.
// Fetch failures are returned and retried on the next call.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pub != nil {
		return v.pub, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyARN)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyARN)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	if _, err := schemeFor(pub); err != nil {
		return nil, xerrors.Wrapf(err, "kms key %s", v.keyARN)
	}
	v.pub = pub
	return pub, nil
}

// VerifySignature checks signature over message. The key type selects the
// KMS signing algorithm:
//   - ECDSA P-256: ECDSA_SHA_256
//   - ECDSA P-384: ECDSA_SHA_384
//   - RSA: RSASSA_PSS_SHA_256
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	s, err := schemeFor(pub)
	if err != nil {
		return err
	}
	if !s.verify(digest(s.hash, message), signature) {
		return xerrors.Newf("%s signature verification failed", s.name)
	}
	return nil
}

// scheme is one KMS signing algorithm bound to a public key
type scheme struct {
	name   string
	hash   crypto.Hash
	verify func(digest, sig []byte) bool
}

func schemeFor(pub crypto.PublicKey) (scheme, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		verify := func(d, sig []byte) bool { return ecdsa.VerifyASN1(key, d, sig) }
		switch key.Curve {
		case elliptic.P256():
			return scheme{"ECDSA_SHA_256", crypto.SHA256, verify}, nil
		case elliptic.P384():
			return scheme{"ECDSA_SHA_384", crypto.SHA384, verify}, nil
		}
		return scheme{}, xerrors.Newf("unsupported ECDSA curve: %s", key.Curve.Params().Name)
	case *rsa.PublicKey:
		return scheme{"RSASSA_PSS_SHA_256", crypto.SHA256, func(d, sig []byte) bool {
			return rsa.VerifyPSS(key, crypto.SHA256, d, sig, nil) == nil
		}}, nil
	}
	return scheme{}, xerrors.Newf("unsupported public key type: %T", pub)
}

func digest(h crypto.Hash, message []byte) []byte {
	hh := h.New()
	hh.Write(message)
	return hh.Sum(nil)
}
