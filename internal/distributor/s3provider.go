package distributor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/kenneth/enigma/internal/config"
	"github.com/kenneth/enigma/internal/enigmaerr"
)

// S3Provider is a Provider backed by an S3-or-compatible bucket,
// adapted from the teacher's s3Client (internal/s3/client.go):
// PutObject/GetObject/DeleteObject/HeadObject/ListObjectsV2 map
// directly onto Provider's Put/Get/Delete/Head/List.
type S3Provider struct {
	name   string
	bucket string
	weight int
	client *s3.Client
}

// NewS3Provider builds an S3Provider from one [[providers]] config
// entry (spec §6), covering both the S3 and S3Compatible provider
// types — the only difference between them is whether Endpoint/PathStyle
// are set.
func NewS3Provider(ctx context.Context, pc config.ProviderConfig) (*S3Provider, error) {
	endpoint, region, pathStyle, err := ResolveCloudProvider(pc.Endpoint, pc.Region, pc.PathStyle, pc.CloudProvider)
	if err != nil {
		return nil, fmt.Errorf("distributor: provider %s: %w", pc.Name, err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			pc.AccessKey, pc.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("distributor: load aws config for provider %s: %w", pc.Name, err)
	}

	var opts []func(*s3.Options)
	if endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if pathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	weight := pc.Weight
	if weight <= 0 {
		weight = 1
	}

	return &S3Provider{
		name:   pc.Name,
		bucket: pc.Bucket,
		weight: weight,
		client: s3.NewFromConfig(awsCfg, opts...),
	}, nil
}

func (p *S3Provider) Name() string  { return p.name }
func (p *S3Provider) Weight() int   { return p.weight }

func (p *S3Provider) Put(ctx context.Context, key string, data []byte) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("distributor: %s: put %s: %w", p.name, key, classifyS3Error(err))
	}
	return nil
}

func (p *S3Provider) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("distributor: %s: get %s: %w", p.name, key, classifyS3Error(err))
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("distributor: %s: read %s: %w", p.name, key, enigmaerr.ErrStorageTransient)
	}
	return data, nil
}

func (p *S3Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("distributor: %s: delete %s: %w", p.name, key, classifyS3Error(err))
	}
	return nil
}

func (p *S3Provider) Head(ctx context.Context, key string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, fmt.Errorf("distributor: %s: head %s: %w", p.name, key, classifyS3Error(err))
}

func (p *S3Provider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("distributor: %s: list %s: %w", p.name, prefix, classifyS3Error(err))
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// classifyS3Error maps an AWS SDK error to one of the engine's storage
// error sentinels (spec §7): throttling/5xx/network errors are
// StorageTransient and worth retrying; everything else (bad bucket,
// access denied, bad request) is StoragePermanent.
func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed", "InternalError", "ServiceUnavailable", "Throttling":
			return fmt.Errorf("%w: %v", enigmaerr.ErrStorageTransient, err)
		}
	}
	return fmt.Errorf("%w: %v", enigmaerr.ErrStoragePermanent, err)
}
