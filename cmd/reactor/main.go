// Command reactor is the Lambda entrypoint of the deployment reactor. It is
// compiled as a provided.al2023 bootstrap binary, packaged by the setup
// command, and invoked by EventBridge on every successful image push to the
// pipeline's repository.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/agentcoreops/autodeploy/internal/pipeline"
)

func main() {
	ctx := context.Background()

	cfg, err := pipeline.LoadReactorConfig()
	if err != nil {
		log.Fatalf("reactor: %v", err)
	}
	clients, err := pipeline.NewClients(ctx, cfg)
	if err != nil {
		log.Fatalf("reactor: %v", err)
	}
	reactor := pipeline.NewReactor(cfg, clients)

	lambda.Start(func(ctx context.Context, evt pipeline.ImagePushEvent) (*pipeline.DeploymentSummary, error) {
		return reactor.HandleImagePush(ctx, evt)
	})
}
