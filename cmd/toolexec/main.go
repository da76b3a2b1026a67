// Command toolexec is the Lambda entrypoint of the tool-executor container
// image. Every deployed agent's "core-tools" action group invokes it.
package main

import (
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/agentcoreops/autodeploy/internal/toolexec"
)

func main() {
	lambda.Start(toolexec.NewExecutor().Handle)
}
