package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/cenkalti/backoff/v5"
)

// executorTimeoutSeconds is the tool-executor function's execution timeout.
const executorTimeoutSeconds = 60

// Deployer drives an end-to-end deployment from the operator's side: it runs
// the build (whose image push triggers the reactor), ensures the
// tool-executor function exists with the pushed image, and waits for the
// reactor to record the resulting agent. The deploy flow is the only place
// the executor function is created; the reactor deliberately aborts when it
// is missing.
type Deployer struct {
	cfg     *Config
	ecr     ECRClient
	iam     IAMClient
	lambda  LambdaClient
	trigger *BuildTrigger
	records *RecordStore
}

// NewDeployer creates a Deployer over the given clients.
func NewDeployer(cfg *Config, clients *Clients) *Deployer {
	return &Deployer{
		cfg:     cfg,
		ecr:     clients.ECR,
		iam:     clients.IAM,
		lambda:  clients.Lambda,
		trigger: NewBuildTrigger(cfg, clients),
		records: NewRecordStore(clients.S3, cfg.Bucket),
	}
}

// Run triggers a build, pins the tool-executor function to the image the
// build pushed, and waits for the deployment record the reactor writes once
// that image has been turned into a prepared agent. Returns the new record.
func (d *Deployer) Run(ctx context.Context) (*DeploymentRecord, error) {
	prior := ""
	if rec, err := d.records.LoadLatest(ctx); err == nil {
		prior = rec.Version
	} else if !IsNotFoundError(err) {
		return nil, err
	}

	buildID, err := d.trigger.Run(ctx)
	if err != nil {
		return nil, err
	}

	uri, err := d.latestImageURI(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.ensureExecutorFunction(ctx, uri); err != nil {
		return nil, err
	}

	log.Printf("pipeline: build %s pushed %s, waiting for the deployment record", buildID, uri)
	rec, err := d.waitForNewRecord(ctx, prior)
	if err != nil {
		return nil, err
	}
	log.Printf("pipeline: deployed agent %s (%s) from %s", rec.AgentName, rec.AgentID, rec.ImageURI)
	return rec, nil
}

// latestImageURI resolves the digest-pinned URI of the most recently pushed
// image, i.e. the one the finished build produced.
func (d *Deployer) latestImageURI(ctx context.Context) (string, error) {
	out, err := d.ecr.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(d.cfg.Repository),
		MaxResults:     aws.Int32(1),
	})
	if err != nil {
		return "", newPipelineError("describe images", d.cfg.Repository, err)
	}
	if len(out.ImageDetails) == 0 {
		return "", notFoundError("describe images", d.cfg.Repository,
			fmt.Sprintf("no images found in repository %q", d.cfg.Repository))
	}
	digest := aws.ToString(out.ImageDetails[0].ImageDigest)
	return imageURI(d.cfg.AccountID, d.cfg.Region, d.cfg.Repository, digest), nil
}

// ensureExecutorFunction creates the container-image tool-executor function
// on the first deployment, or pins an existing one to the pushed image.
func (d *Deployer) ensureExecutorFunction(ctx context.Context, uri string) error {
	role, err := d.iam.GetRole(ctx, &iam.GetRoleInput{
		RoleName: aws.String(ToolExecutorRoleName),
	})
	if err != nil {
		return newPipelineError("get role", ToolExecutorRoleName, err)
	}

	_, err = d.lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(ToolExecutorFunctionName),
		PackageType:  lambdatypes.PackageTypeImage,
		Code:         &lambdatypes.FunctionCode{ImageUri: aws.String(uri)},
		Role:         role.Role.Arn,
		Timeout:      aws.Int32(executorTimeoutSeconds),
	})
	if err == nil {
		log.Printf("pipeline: created function %q", ToolExecutorFunctionName)
		return nil
	}
	if !isAlreadyExists(err) {
		return newPipelineError("create function", ToolExecutorFunctionName, err)
	}

	if _, err := d.lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(ToolExecutorFunctionName),
		ImageUri:     aws.String(uri),
	}); err != nil {
		return newPipelineError("update function code", ToolExecutorFunctionName, err)
	}
	log.Printf("pipeline: function %q pinned to %s", ToolExecutorFunctionName, uri)
	return nil
}

// waitForNewRecord probes the latest record pointer until it names a version
// other than prior.
func (d *Deployer) waitForNewRecord(ctx context.Context, prior string) (*DeploymentRecord, error) {
	var rec *DeploymentRecord
	err := probeReadiness(ctx, d.cfg.Wait, latestRecordKey, func() error {
		got, err := d.records.LoadLatest(ctx)
		if err != nil {
			if IsNotFoundError(err) {
				return fmt.Errorf("no deployment recorded yet")
			}
			return backoff.Permanent(err)
		}
		if got.Version == prior {
			return fmt.Errorf("latest record still at version %s", prior)
		}
		rec = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
