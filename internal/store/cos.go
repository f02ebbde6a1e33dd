package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/andresmejia3/facefind/internal/types"
	"github.com/tencentyun/cos-go-sdk-v5"
)

const markerObject = ".task"

// COSStore keeps each task under <prefix>/<taskID>/ in a Tencent COS bucket. An empty
// marker object stands in for the directory.
type COSStore struct {
	client *cos.Client
	prefix string
}

// COSOptions configures NewCOS.
type COSOptions struct {
	BucketURL string
	SecretID  string
	SecretKey string
	Prefix    string
}

func NewCOS(opts COSOptions) (*COSStore, error) {
	u, err := url.Parse(opts.BucketURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid COS bucket url %q", opts.BucketURL)
	}
	b := &cos.BaseURL{BucketURL: u}
	client := cos.NewClient(b, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  opts.SecretID,
			SecretKey: opts.SecretKey,
		},
	})
	return &COSStore{client: client, prefix: opts.Prefix}, nil
}

// DisableCRC turns off the SDK's CRC64 upload verification, for endpoints that do not return it.
func (s *COSStore) DisableCRC() { s.client.Conf.EnableCRC = false }

func (s *COSStore) key(taskID string, name ...string) string {
	return objectKey(append([]string{s.prefix, taskID}, name...)...)
}

func (s *COSStore) put(ctx context.Context, key, contentType string, data []byte) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: contentType,
		},
	}
	var err error
	for retryTime := 0; retryTime < 3; retryTime++ {
		if _, err = s.client.Object.Put(ctx, key, bytes.NewReader(data), opt); err == nil {
			return nil
		}
	}
	return err
}

func (s *COSStore) get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Object.Get(ctx, key, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func isNotFound(err error) bool {
	var cerr *cos.ErrorResponse
	return errors.As(err, &cerr) && cerr.Response != nil && cerr.Response.StatusCode == http.StatusNotFound
}

func (s *COSStore) Prepare(ctx context.Context, taskID string) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	if err := s.deletePrefix(ctx, s.key(taskID)+"/"); err != nil {
		return err
	}
	return s.put(ctx, s.key(taskID, markerObject), "text/plain", nil)
}

func (s *COSStore) Exists(ctx context.Context, taskID string) (bool, error) {
	if ValidateTaskID(taskID) != nil {
		return false, nil
	}
	_, err := s.client.Object.Head(ctx, s.key(taskID, markerObject), nil)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *COSStore) SaveMatchImage(ctx context.Context, taskID, address string, jpeg []byte) error {
	name, err := ImageName(address)
	if err != nil {
		return err
	}
	return s.put(ctx, s.key(taskID, name), "image/jpeg", jpeg)
}

func (s *COSStore) Finalize(ctx context.Context, taskID string, result types.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.put(ctx, s.key(taskID, ResultFile), "application/json", data)
}

func (s *COSStore) Load(ctx context.Context, taskID string) (types.TaskResult, error) {
	data, err := s.get(ctx, s.key(taskID, ResultFile))
	if errors.Is(err, ErrNotFound) {
		ok, existsErr := s.Exists(ctx, taskID)
		if existsErr != nil {
			return types.TaskResult{}, existsErr
		}
		if ok {
			return types.TaskResult{}, ErrNoResult
		}
		return types.TaskResult{}, ErrNotFound
	}
	if err != nil {
		return types.TaskResult{}, err
	}

	var result types.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return types.TaskResult{}, fmt.Errorf("invalid result in bucket: %w", err)
	}
	return result, nil
}

func (s *COSStore) LoadMatchImage(ctx context.Context, taskID, address string) ([]byte, error) {
	name, err := ImageName(address)
	if err != nil {
		return nil, err
	}
	data, err := s.get(ctx, s.key(taskID, name))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

func (s *COSStore) Remove(ctx context.Context, taskID string) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	return s.deletePrefix(ctx, s.key(taskID)+"/")
}

func (s *COSStore) Reset(ctx context.Context) error {
	prefix := objectKey(s.prefix)
	if prefix != "" {
		prefix += "/"
	}
	return s.deletePrefix(ctx, prefix)
}

// deletePrefix pages through the bucket listing and deletes every object under prefix.
func (s *COSStore) deletePrefix(ctx context.Context, prefix string) error {
	marker := ""
	for {
		res, _, err := s.client.Bucket.Get(ctx, &cos.BucketGetOptions{Prefix: prefix, Marker: marker, MaxKeys: 1000})
		if err != nil {
			return err
		}
		for _, obj := range res.Contents {
			if _, err := s.client.Object.Delete(ctx, obj.Key); err != nil && !isNotFound(err) {
				return err
			}
		}
		if !res.IsTruncated {
			return nil
		}
		marker = res.NextMarker
		if marker == "" && len(res.Contents) > 0 {
			marker = res.Contents[len(res.Contents)-1].Key
		}
	}
}

func (s *COSStore) Close() error { return nil }
