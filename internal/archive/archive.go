// Package archive best-effort mirrors a finished artifact to S3-compatible
// object storage. It is narrowed from the teacher's whole-directory
// uploader to a single-file upload: a download completes as one artifact,
// not a tree of torrent payload files.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Service uploads a finished task's artifact to object storage. A Service
// constructed with an empty bucket is not expected to be wired in at all;
// the scheduler treats a nil archiver as "archival disabled".
type Service struct {
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
}

func New(client *s3.Client, bucket, keyPrefix string) *Service {
	return &Service{
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		keyPrefix: strings.Trim(keyPrefix, "/"),
	}
}

// Archive uploads the artifact at path under a key derived from taskID and
// returns the resulting s3://bucket/key location.
func (s *Service) Archive(ctx context.Context, taskID, path string) (string, error) {
	if s.bucket == "" {
		return "", fmt.Errorf("archive: no bucket configured")
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	key := taskID + filepath.Ext(path)
	if s.keyPrefix != "" {
		key = s.keyPrefix + "/" + key
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
		ACL:    types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
