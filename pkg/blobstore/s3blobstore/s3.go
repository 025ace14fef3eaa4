// Writes your blobs to AWS S3
package s3blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/function61/gokit/aws/s3facade"
	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/sivtypes"
)

type s3blobstore struct {
	bucket *s3facade.BucketContext
	logl   *logex.Leveled
}

func New(opts string, logger *log.Logger) (*s3blobstore, error) {
	bucketName, regionID, accessKeyID, secret, err := parseOptionsString(opts)
	if err != nil {
		return nil, err
	}

	bucket, err := s3facade.Bucket(
		bucketName,
		s3facade.Credentials(credentials.NewStaticCredentials(accessKeyID, secret, "")),
		regionID)
	if err != nil {
		return nil, err
	}

	return &s3blobstore{
		bucket: bucket,
		logl:   logex.Levels(logger),
	}, nil
}

func (g *s3blobstore) RawFetch(ctx context.Context, ref sivtypes.BlobRef) (io.ReadCloser, error) {
	res, err := g.bucket.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: g.bucket.Name,
		Key:    aws.String(toS3Name(ref)),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == s3.ErrCodeNoSuchKey {
			return nil, os.ErrNotExist
		}

		return nil, fmt.Errorf("s3 GetObject: %v", err)
	}

	return res.Body, nil
}

func (g *s3blobstore) RawStore(ctx context.Context, ref sivtypes.BlobRef, content io.Reader) error {
	// S3 internally requires retry support, so it wants an io.ReadSeeker and thus
	// we're forced to buffer
	buf, err := io.ReadAll(content)
	if err != nil {
		return err
	}

	if _, err := g.bucket.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: g.bucket.Name,
		Key:    aws.String(toS3Name(ref)),
		Body:   bytes.NewReader(buf),
	}); err != nil {
		return fmt.Errorf("s3 PutObject: %v", err)
	}

	return nil
}

func (g *s3blobstore) RawDelete(ctx context.Context, ref sivtypes.BlobRef) error {
	if _, err := g.bucket.S3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: g.bucket.Name,
		Key:    aws.String(toS3Name(ref)),
	}); err != nil {
		return fmt.Errorf("s3 DeleteObject: %v", err)
	}

	return nil
}

func (g *s3blobstore) Mountable(ctx context.Context) error {
	_, err := g.bucket.S3.ListObjectsWithContext(ctx, &s3.ListObjectsInput{
		Bucket:  g.bucket.Name,
		MaxKeys: aws.Int64(1), // we just want to see that the access key works
	})
	return err
}

func toS3Name(ref sivtypes.BlobRef) string {
	return base64.RawURLEncoding.EncodeToString(ref)
}

var parseOptionsStringRe = regexp.MustCompile("^([^:]+):([^:]+):([^:]+):([^:]+)$")

func parseOptionsString(serialized string) (string, string, string, string, error) {
	match := parseOptionsStringRe.FindStringSubmatch(serialized)
	if match == nil {
		return "", "", "", "", errors.New("s3 options not in format bucket:region:accessKeyId:secret")
	}

	return match[1], match[2], match[3], match[4], nil
}
