package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Saver stores exported bytes and returns where they ended up.
type Saver interface {
	Save(ctx context.Context, filename string, data []byte, contentType string) (string, error)
}

// FileSaver writes exports into a local directory.
type FileSaver struct {
	dir string
}

// NewFileSaver creates dir if needed.
func NewFileSaver(dir string) (*FileSaver, error) {
	if dir == "" {
		dir = "downloads"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("export: failed to create downloads directory: %w", err)
	}
	return &FileSaver{dir: dir}, nil
}

// Save writes data under a sanitized filename. Existing files are not
// overwritten; a numeric suffix is added instead.
func (s *FileSaver) Save(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	name := sanitizeFilename(filename)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		full := filepath.Join(s.dir, candidate)
		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("export: failed to create %s: %w", full, err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(full)
			return "", fmt.Errorf("export: failed to write %s: %v %v", full, werr, cerr)
		}
		return full, nil
	}
	return "", fmt.Errorf("export: too many files named %s", name)
}

// S3PutObjectAPI is the part of the S3 client the saver needs.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Saver uploads exports to an S3 bucket.
type S3Saver struct {
	client S3PutObjectAPI
	bucket string
	prefix string
}

// NewS3Saver builds a saver from the default AWS credential chain.
func NewS3Saver(ctx context.Context, bucket, prefix string) (*S3Saver, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("export: S3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}
	return NewS3SaverWithClient(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

// NewS3SaverWithClient builds a saver around an existing client.
func NewS3SaverWithClient(client S3PutObjectAPI, bucket, prefix string) *S3Saver {
	return &S3Saver{client: client, bucket: bucket, prefix: strings.TrimLeft(prefix, "/")}
}

// Save uploads data and returns its s3:// location.
func (s *S3Saver) Save(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	key := path.Join(s.prefix, sanitizeFilename(filename))
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("export: upload to s3://%s/%s failed: %w", s.bucket, key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// sanitizeFilename removes or replaces characters that are unsafe for filenames.
func sanitizeFilename(filename string) string {
	unsafe := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", "\n", "\r", "\t"}
	result := strings.TrimSpace(filename)
	for _, char := range unsafe {
		result = strings.ReplaceAll(result, char, "_")
	}
	if len(result) > 200 {
		result = result[:200]
	}
	if result == "" || result == "." || result == ".." {
		result = "image"
	}
	return result
}
