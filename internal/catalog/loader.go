package catalog

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/agrotech-web/internal/cryptoutil"
	"github.com/keithlinneman/agrotech-web/internal/log"
	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

// maxSignatureBytes bounds the detached signature download, KMS signatures are well under 1KiB
const maxSignatureBytes = 16 << 10

type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature over a document.
// Implemented by cryptoutil.KMSVerifier.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter containing the sha256 of the active catalog
	SSMParam string

	// S3 location for catalogs: s3://{bucket}/{prefix}/{sha256}.json
	S3Bucket string
	S3Prefix string

	// Verifier, when set, requires s3://{bucket}/{prefix}/{sha256}.json.sig to verify
	Verifier SignatureVerifier

	// AWS config (uses default if nil)
	AWSConfig *aws.Config

	// clients override AWSConfig, used by tests
	SSMClient ssmAPI
	S3Client  s3API
}

type Loader struct {
	opts      LoaderOptions
	ssmClient ssmAPI
	s3Client  s3API
	logger    log.Logger
}

// NewLoader creates a catalog Loader with the given options
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")

	l := &Loader{
		opts:      opts,
		ssmClient: opts.SSMClient,
		s3Client:  opts.S3Client,
		logger:    opts.Logger,
	}
	if l.ssmClient != nil && l.s3Client != nil {
		return l, nil
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	if l.ssmClient == nil {
		l.ssmClient = ssm.NewFromConfig(awsCfg)
	}
	if l.s3Client == nil {
		l.s3Client = s3.NewFromConfig(awsCfg)
	}
	return l, nil
}

// FetchCurrentHash gets the digest of the active catalog from SSM
func (l *Loader) FetchCurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.IsSHA256Hex(hash) {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 digest", l.opts.SSMParam)
	}
	return hash, nil
}

// objectKey returns the S3 key for a catalog digest
func (l *Loader) objectKey(hash string) string {
	if l.opts.S3Prefix != "" {
		return l.opts.S3Prefix + "/" + hash + ".json"
	}
	return hash + ".json"
}

// Load fetches the catalog currently published in SSM
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadHash downloads, checks and decodes the catalog with the given digest
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	key := l.objectKey(hash)

	l.logger.Info(ctx, "downloading catalog",
		"bucket", l.opts.S3Bucket,
		"key", key,
	)

	data, err := l.getObject(ctx, key, MaxCatalogBytes)
	if err != nil {
		return nil, err
	}

	actual := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actual)
	}

	verified := false
	if l.opts.Verifier != nil {
		sig, err := l.getObject(ctx, key+".sig", maxSignatureBytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch catalog signature")
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify catalog %s", truncHash(hash))
		}
		verified = true
	}

	c, err := Decode(data)
	if err != nil {
		return nil, err
	}

	l.logger.Info(ctx, "loaded catalog",
		"version", c.Version,
		"sha256", truncHash(hash),
		"verified", verified,
		"products", len(c.Products),
		"posts", len(c.Posts),
	)

	return &Snapshot{
		Catalog:  c,
		SHA256:   hash,
		Source:   SourceS3,
		Verified: verified,
		LoadedAt: time.Now().UTC(),
	}, nil
}

// getObject reads an object fully, failing when it exceeds limit bytes
func (l *Loader) getObject(ctx context.Context, key string, limit int64) ([]byte, error) {
	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	if int64(len(data)) > limit {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, limit)
	}
	return data, nil
}

// LoadIntoManager fetches the published catalog and activates it
func (l *Loader) LoadIntoManager(ctx context.Context, mgr *Manager) error {
	snap, err := l.Load(ctx)
	if err != nil {
		return err
	}
	mgr.Set(*snap)
	return nil
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
