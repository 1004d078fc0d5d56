package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/dreamforge/dream-server/internal/config"
)

type S3Storage struct {
	client *s3.Client
	cfg    *config.S3Config
}

func NewS3Storage(cfg *config.Config) (*S3Storage, error) {
	if cfg.S3 == nil {
		return nil, fmt.Errorf("s3 config is not set")
	}

	provider := credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey, cfg.S3.SecretKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.TODO(),
		awsconfig.WithRegion(cfg.S3.Region),
		awsconfig.WithCredentialsProvider(provider),
	)
	if err != nil {
		return nil, err
	}

	return &S3Storage{
		client: s3.NewFromConfig(awsCfg),
		cfg:    cfg.S3,
	}, nil
}

func (s *S3Storage) Upload(file FileInfo) (string, error) {
	var key string
	if file.IsTemp {
		key = fmt.Sprintf("temp/%s%s", file.Name, file.Extension)
	} else {
		folder := strings.TrimSuffix(s.cfg.Folder, "/")
		key = fmt.Sprintf("%s/%s%s", folder, file.Name, file.Extension)
	}

	mtype := mimetype.Detect(file.Content).String()
	input := s3.PutObjectInput{
		Key:         &key,
		ContentType: &mtype,
		Bucket:      &s.cfg.Bucket,
		Body:        bytes.NewReader(file.Content),
		ACL:         s3types.ObjectCannedACLPublicRead,
	}
	if _, err := s.client.PutObject(context.TODO(), &input); err != nil {
		return "", err
	}

	if s.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(s.cfg.PublicURL, "/"), key), nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key), nil
}

func (s *S3Storage) GetFile(filename string) (*FileInfo, error) {
	object, err := s.client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &filename,
	})
	if err != nil {
		return nil, err
	}
	defer object.Body.Close()

	content, err := io.ReadAll(object.Body)
	if err != nil {
		return nil, err
	}

	ext := filepath.Ext(filename)
	return &FileInfo{
		Name:      strings.TrimSuffix(filename, ext),
		Extension: ext,
		Content:   content,
	}, nil
}
