package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archive persists artifacts to an S3 bucket under
// <prefix>/<sessionID>/<artifact path>.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archive creates an archive using the default AWS credential chain.
func NewS3Archive(ctx context.Context, bucket, prefix string) (*S3Archive, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archive{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewS3ArchiveWithClient creates an archive with an explicit client.
func NewS3ArchiveWithClient(client *s3.Client, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Save uploads every artifact. Uploads stop at the first error; objects
// already written are left in place (uploads are idempotent per key).
func (a *S3Archive) Save(ctx context.Context, sessionID string, artifacts []*Artifact) (string, error) {
	base := path.Join(a.prefix, sessionID)
	for _, art := range artifacts {
		key := path.Join(base, art.Path)
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader([]byte(art.Content)),
		})
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, base), nil
}
