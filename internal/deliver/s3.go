package deliver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// objectPutter is the slice of the S3 API the large channel needs.
type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// LargeFileChannel uploads oversized artifacts to object storage and
// hands back the object key for out-of-band delivery.
type LargeFileChannel struct {
	client objectPutter
	bucket string
	prefix string
	logger observability.Logger
}

// NewLargeFileChannel wires the channel to an S3 client.
func NewLargeFileChannel(client objectPutter, bucket, prefix string, logger observability.Logger) *LargeFileChannel {
	return &LargeFileChannel{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// NewS3Client builds the default S3 client for region.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("deliver: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Name implements Channel.
func (c *LargeFileChannel) Name() domain.Channel { return domain.ChannelLarge }

// Send implements Channel. The object is streamed straight from disk.
func (c *LargeFileChannel) Send(ctx context.Context, job *domain.DownloadJob, path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", domain.NewFailure(domain.FailDeliveryFailed, err, "open artifact").
			WithDelivery(size, domain.ChannelLarge)
	}
	defer f.Close()

	key := c.prefix + "/" + job.ID + "/" + filepath.Base(path)
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", domain.NewFailure(domain.FailTimeout, err, "object upload timed out").
				WithDelivery(size, domain.ChannelLarge)
		}
		return "", domain.NewFailure(domain.FailDeliveryFailed, err, "put object %s", key).
			WithDelivery(size, domain.ChannelLarge)
	}

	c.logger.Info(ctx, "artifact delivered", observability.Fields{
		"job_id":  job.ID,
		"channel": string(domain.ChannelLarge),
		"bucket":  c.bucket,
		"key":     key,
		"bytes":   size,
	})
	return key, nil
}
