// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package headers

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectGetter is the part of the S3 API the reader needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Reader reads the JSON header sidecar stored next to each image, at
// the same key with a .json extension.
type S3Reader struct {
	client ObjectGetter
}

func NewS3Reader(client ObjectGetter) *S3Reader {
	return &S3Reader{client: client}
}

func (r *S3Reader) Read(ctx context.Context, itemPath string) (Header, error) {
	bucket, key, err := SidecarLocation(itemPath)
	if err != nil {
		return nil, err
	}
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	var h Header
	if err := json.NewDecoder(out.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding header s3://%s/%s: %w", bucket, key, err)
	}
	return h, nil
}

// SidecarLocation returns the bucket and key of the header sidecar of an
// item path. A profile@ prefix on the bucket is dropped.
func SidecarLocation(itemPath string) (bucket, key string, err error) {
	bucket, key, found := strings.Cut(itemPath, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("item path %q has no object key", itemPath)
	}
	if _, b, ok := strings.Cut(bucket, "@"); ok {
		bucket = b
	}
	key = strings.TrimSuffix(key, path.Ext(key)) + ".json"
	return bucket, key, nil
}
