package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive uploads conversation transcripts to S3.
type Archive struct {
	client  S3API
	bucket  string
	baseURL string
}

// NewArchive creates an S3 transcript archive. baseURL is the public prefix
// object keys are appended to; when empty, URLs point at the bucket.
func NewArchive(client S3API, bucket, baseURL string) *Archive {
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &Archive{client: client, bucket: bucket, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Upload stores the transcript JSON of conversationID and returns its key
// and public URL.
func (a *Archive) Upload(ctx context.Context, conversationID string, transcript []byte) (key, url string, err error) {
	key = "transcripts/" + conversationID + ".json"

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &a.bucket,
		Key:           &key,
		Body:          bytes.NewReader(transcript),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(transcript))),
	})
	if err != nil {
		return "", "", fmt.Errorf("upload transcript to s3: %w", err)
	}

	return key, a.baseURL + "/" + key, nil
}
