package pipeline

import (
	"context"
	"encoding/json"
	"testing"
)

func testRecord(version string) *DeploymentRecord {
	return &DeploymentRecord{
		AgentID:   "AGENT0001",
		AgentName: agentName(version),
		Version:   version,
		ImageURI:  "123456789012.dkr.ecr.us-east-1.amazonaws.com/agent-core-tools@sha256:abc",
		LambdaARN: "arn:aws:lambda:us-east-1:123456789012:function:AgentCoreToolExecutor",
		CreatedAt: version,
	}
}

func TestRecordSaveAndLoadLatest(t *testing.T) {
	s3c := newFakeS3()
	store := NewRecordStore(s3c, "bucket")
	ctx := context.Background()

	rec := testRecord("20240315-142207")
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Both the versioned key and the latest pointer are written.
	if _, ok := s3c.objects["agents/agent-20240315-142207.json"]; !ok {
		t.Error("versioned record not written")
	}
	if _, ok := s3c.objects["agents/latest.json"]; !ok {
		t.Error("latest pointer not written")
	}

	got, err := store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if *got != *rec {
		t.Errorf("LoadLatest = %+v, want %+v", got, rec)
	}
}

func TestRecordJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(testRecord("20240315-142207"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, want := range []string{"agent_id", "agent_name", "version", "image_uri", "lambda_arn", "created_at"} {
		if _, ok := fields[want]; !ok {
			t.Errorf("record JSON missing field %q", want)
		}
	}
}

func TestLoadLatestNoDeployment(t *testing.T) {
	store := NewRecordStore(newFakeS3(), "bucket")
	_, err := store.LoadLatest(context.Background())
	if err == nil {
		t.Fatal("LoadLatest succeeded with no records")
	}
	if !IsNotFoundError(err) {
		t.Errorf("error %v is not a not-found error", err)
	}
}

func TestClaimDigest(t *testing.T) {
	s3c := newFakeS3()
	store := NewRecordStore(s3c, "bucket")
	ctx := context.Background()

	claimed, err := store.ClaimDigest(ctx, "sha256:abc", "image-uri", "20240315-142207")
	if err != nil {
		t.Fatalf("first ClaimDigest: %v", err)
	}
	if !claimed {
		t.Fatal("first claim returned false")
	}

	// A second claim of the same digest loses, without error.
	claimed, err = store.ClaimDigest(ctx, "sha256:abc", "image-uri", "20240315-142230")
	if err != nil {
		t.Fatalf("second ClaimDigest: %v", err)
	}
	if claimed {
		t.Error("second claim of the same digest won")
	}

	// A different digest is claimable.
	claimed, err = store.ClaimDigest(ctx, "sha256:def", "image-uri-2", "20240315-142300")
	if err != nil {
		t.Fatalf("ClaimDigest other digest: %v", err)
	}
	if !claimed {
		t.Error("claim of a different digest lost")
	}
}
