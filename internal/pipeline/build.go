package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BuildTrigger packages the tool-executor sources, uploads them to the
// config bucket, and runs the CodeBuild project that produces and pushes the
// container image. Pushing the image is what sets the rest of the pipeline
// in motion; the trigger itself only reports build success or failure.
type BuildTrigger struct {
	cfg       *Config
	s3        S3Client
	codeBuild CodeBuildClient
}

// NewBuildTrigger creates a BuildTrigger over the given clients.
func NewBuildTrigger(cfg *Config, clients *Clients) *BuildTrigger {
	return &BuildTrigger{cfg: cfg, s3: clients.S3, codeBuild: clients.CodeBuild}
}

// Run zips cfg.SourceFiles, uploads the archive as the build project's
// source object, starts a build, and polls until the build reaches a
// terminal status. Returns the build ID on success.
func (t *BuildTrigger) Run(ctx context.Context) (string, error) {
	zipData, err := buildSourceZIP(t.cfg.SourceFiles)
	if err != nil {
		return "", newPipelineError("package build source", SourceObjectKey, err)
	}

	_, err = t.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(SourceObjectKey),
		Body:   bytes.NewReader(zipData),
	})
	if err != nil {
		return "", newPipelineError("upload build source", SourceObjectKey, err)
	}
	log.Printf("pipeline: uploaded %s (%d bytes) to %s", SourceObjectKey, len(zipData), t.cfg.Bucket)

	out, err := t.codeBuild.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName: aws.String(t.cfg.BuildProject),
	})
	if err != nil {
		return "", newPipelineError("start build", t.cfg.BuildProject, err)
	}
	buildID := aws.ToString(out.Build.Id)
	log.Printf("pipeline: started build %s", buildID)

	if err := t.waitForBuild(ctx, buildID); err != nil {
		return "", err
	}
	return buildID, nil
}

// waitForBuild polls the build status at the configured interval until the
// build terminates. Every non-succeeded terminal status is an error naming
// the status; the image was not pushed and no deployment will follow.
func (t *BuildTrigger) waitForBuild(ctx context.Context, buildID string) error {
	ticker := time.NewTicker(t.cfg.Wait.BuildPollInterval)
	defer ticker.Stop()

	for {
		status, err := t.buildStatus(ctx, buildID)
		if err != nil {
			return newPipelineError("poll build", buildID, err)
		}
		switch status {
		case cbtypes.StatusTypeSucceeded:
			log.Printf("pipeline: build %s succeeded", buildID)
			return nil
		case cbtypes.StatusTypeFailed, cbtypes.StatusTypeFault,
			cbtypes.StatusTypeTimedOut, cbtypes.StatusTypeStopped:
			return newPipelineError("poll build", buildID,
				fmt.Errorf("build finished with status %s", status))
		}
		log.Printf("pipeline: build %s status %s", buildID, status)

		select {
		case <-ctx.Done():
			return newPipelineError("poll build", buildID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *BuildTrigger) buildStatus(ctx context.Context, buildID string) (cbtypes.StatusType, error) {
	out, err := t.codeBuild.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
		Ids: []string{buildID},
	})
	if err != nil {
		return "", err
	}
	if len(out.Builds) == 0 {
		return "", fmt.Errorf("build %s not found", buildID)
	}
	return out.Builds[0].BuildStatus, nil
}
