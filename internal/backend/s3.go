package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"lsvd/internal/request"
)

// S3Config selects the bucket holding the volume's objects. Credentials fall
// back to the ambient AWS configuration when the static pair is empty.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string
}

// S3 stores each object under the volume prefix in an S3 bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3(cfg S3Config, prefix string) (*S3, error) {
	awsConfig, err := awscfg.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, errors.Wrap(err, "load default AWS config")
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.Region != "" {
			o.Region = cfg.Region
		}
		if cfg.AccessKeyID != "" && cfg.AccessKeySecret != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.AccessKeySecret, "")
		}
		o.UsePathStyle = true
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

var _ Backend = (*S3)(nil)

func (s *S3) WriteObject(name string, bufs [][]byte) error {
	var body bytes.Buffer
	for _, b := range bufs {
		body.Write(b)
	}
	_, err := s.client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(body.Bytes()),
	})
	return errors.Wrapf(err, "put object %s", name)
}

func (s *S3) ReadObject(name string, buf []byte, offset int64) (int, error) {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)
	out, err := s.client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Range:  aws.String(rng),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, ErrNotFound
		}
		return 0, errors.Wrapf(err, "get object %s", name)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return n, errors.Wrapf(err, "get object %s", name)
}

func (s *S3) DeleteObject(name string) error {
	_, err := s.client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	return errors.Wrapf(err, "delete object %s", name)
}

func (s *S3) ObjectName(seq uint32) string {
	return objectName(s.prefix, seq)
}

func (s *S3) MakeWriteReq(name string, bufs [][]byte) request.Request {
	return request.NewFunc(func() error {
		return s.WriteObject(name, bufs)
	})
}

func (s *S3) MakeReadReq(name string, buf []byte, offset int64) request.Request {
	return request.NewFunc(func() error {
		_, err := s.ReadObject(name, buf, offset)
		return err
	})
}
