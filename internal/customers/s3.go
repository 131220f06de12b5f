package customers

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// ObjectGetter is the subset of the S3 client the NDJSON source needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source streams customers from a newline-delimited JSON export. Each line
// is {"id": "...", "attributes": {...}}. Keys ending in .gz are gunzipped.
type S3Source struct {
	client ObjectGetter
	bucket string
	key    string
}

// NewS3Source creates a customer source over s3://bucket/key.
func NewS3Source(client ObjectGetter, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key}
}

// Scan reads the object from the start and calls fn for each line.
func (s *S3Source) Scan(ctx context.Context, fn func(domain.Customer) error) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return fmt.Errorf("get S3 object: %w", err)
	}
	defer out.Body.Close()

	var r io.Reader = out.Body
	if strings.HasSuffix(s.key, ".gz") {
		gz, err := gzip.NewReader(out.Body)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	sc := bufio.NewScanner(bufio.NewReaderSize(r, 256*1024))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var c domain.Customer
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if c.ID == "" {
			return fmt.Errorf("line %d: customer id is required", line)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return sc.Err()
}

var errFound = errors.New("found")

// Lookup scans the export for one customer.
func (s *S3Source) Lookup(ctx context.Context, id string) (domain.Customer, bool, error) {
	var found domain.Customer
	err := s.Scan(ctx, func(c domain.Customer) error {
		if c.ID == id {
			found = c
			return errFound
		}
		return nil
	})
	switch {
	case errors.Is(err, errFound):
		return found, true, nil
	case err != nil:
		return domain.Customer{}, false, err
	}
	return domain.Customer{}, false, nil
}
