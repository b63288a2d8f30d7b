package ledger

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/latentfields/openclaw/pkg/canon"
	"github.com/latentfields/openclaw/pkg/types"
)

// s3Client is the subset of the AWS S3 client this sink depends on, so
// tests can substitute a fake.
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArchiveSink mirrors each appended ledger entry to an S3 object, one
// object per append, keyed by index. It is off-host durability only —
// the local ledger file remains the source of truth.
type S3ArchiveSink struct {
	client s3Client
	bucket string
	prefix string
	ctx    context.Context
}

// NewS3ArchiveSink constructs a sink bound to a bucket and key prefix.
func NewS3ArchiveSink(ctx context.Context, client *s3.Client, bucket, prefix string) *S3ArchiveSink {
	return &S3ArchiveSink{client: client, bucket: bucket, prefix: prefix, ctx: ctx}
}

// Archive implements ArchiveSink.
func (s *S3ArchiveSink) Archive(entry types.LedgerEntry) error {
	encoded, err := canon.Marshal(entry)
	if err != nil {
		return fmt.Errorf("s3 archive sink: marshal entry: %w", err)
	}

	key := fmt.Sprintf("%s/%012d.json", s.prefix, entry.Index)
	_, err = s.client.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(encoded),
	})
	if err != nil {
		return fmt.Errorf("s3 archive sink: put object: %w", err)
	}
	return nil
}
