package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// recordContentType is the Content-Type for persisted deployment records.
const recordContentType = "application/json"

// DeploymentRecord maps an agent instance to the image and function it was
// created against. Persisted once under an immutable versioned key and once
// under the overwritten "latest" pointer.
type DeploymentRecord struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Version   string `json:"version"`
	ImageURI  string `json:"image_uri"`
	LambdaARN string `json:"lambda_arn"`
	CreatedAt string `json:"created_at"`
}

// digestClaim marks an image digest as taken by an in-flight deployment,
// written with a conditional put so concurrent reactor runs cannot both
// deploy the same digest.
type digestClaim struct {
	ImageURI  string `json:"image_uri"`
	Version   string `json:"version"`
	ClaimedAt string `json:"claimed_at"`
}

// RecordStore persists deployment records in the config bucket.
type RecordStore struct {
	client S3Client
	bucket string
}

// NewRecordStore creates a RecordStore over the given bucket.
func NewRecordStore(client S3Client, bucket string) *RecordStore {
	return &RecordStore{client: client, bucket: bucket}
}

// Save writes the record under its versioned key and then overwrites the
// "latest" pointer. The pointer is written last so it always names a
// deployment whose immutable record exists.
func (s *RecordStore) Save(ctx context.Context, rec *DeploymentRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deployment record: %w", err)
	}

	for _, key := range []string{versionedRecordKey(rec.Version), latestRecordKey} {
		if err := s.put(ctx, key, data, false); err != nil {
			return fmt.Errorf("write record %s: %w", key, err)
		}
	}
	log.Printf("pipeline: stored deployment record for %s (version %s)", rec.AgentID, rec.Version)
	return nil
}

// LoadLatest reads the "latest" record pointer. Returns a not-found
// PipelineError when no deployment has completed yet.
func (s *RecordStore) LoadLatest(ctx context.Context) (*DeploymentRecord, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(latestRecordKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, notFoundError("read latest record", latestRecordKey, "no deployment record found")
		}
		return nil, fmt.Errorf("read %s: %w", latestRecordKey, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", latestRecordKey, err)
	}

	var rec DeploymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", latestRecordKey, err)
	}
	return &rec, nil
}

// ClaimDigest atomically claims an image digest for this deployment via a
// conditional put. Returns false (and no error) when another run already
// claimed the digest.
func (s *RecordStore) ClaimDigest(ctx context.Context, digest, imageURI, version string) (bool, error) {
	claim := digestClaim{
		ImageURI:  imageURI,
		Version:   version,
		ClaimedAt: time.Now().UTC().Format(versionLayout),
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return false, fmt.Errorf("marshal digest claim: %w", err)
	}

	if err := s.put(ctx, digestClaimKey(digest), data, true); err != nil {
		if isPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim digest %s: %w", digest, err)
	}
	return true, nil
}

// put writes a JSON object, optionally conditional on the key not existing.
func (s *RecordStore) put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(recordContentType),
	}
	if ifAbsent {
		in.IfNoneMatch = aws.String("*")
	}
	_, err := s.client.PutObject(ctx, in)
	return err
}
