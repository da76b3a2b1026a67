package pipeline

import (
	"encoding/json"
	"fmt"
)

// ECR event constants used in the EventBridge rule pattern and when matching
// incoming events.
const (
	ecrEventSource     = "aws.ecr"
	ecrEventDetailType = "ECR Image Action"
	ecrActionPush      = "PUSH"
	ecrResultSuccess   = "SUCCESS"
)

// ImagePushEvent is the EventBridge envelope delivered to the reactor when
// an image is pushed to the watched repository.
type ImagePushEvent struct {
	Source     string               `json:"source"`
	DetailType string               `json:"detail-type"`
	Region     string               `json:"region"`
	Account    string               `json:"account"`
	Detail     ImagePushEventDetail `json:"detail"`
}

// ImagePushEventDetail carries the repository and image identity of the push.
// ImageDigest pins the exact image the reactor deploys; events without a
// digest fall back to a most-recent-image lookup.
type ImagePushEventDetail struct {
	ActionType     string `json:"action-type"`
	Result         string `json:"result"`
	RepositoryName string `json:"repository-name"`
	ImageDigest    string `json:"image-digest"`
	ImageTag       string `json:"image-tag"`
}

// IsSuccessfulPush reports whether the event describes a successful image
// push to the given repository.
func (e *ImagePushEvent) IsSuccessfulPush(repository string) bool {
	return e.Source == ecrEventSource &&
		e.Detail.ActionType == ecrActionPush &&
		e.Detail.Result == ecrResultSuccess &&
		e.Detail.RepositoryName == repository
}

// ecrPushEventPattern returns the EventBridge event pattern JSON matching
// successful image pushes to the given repository.
func ecrPushEventPattern(repository string) (string, error) {
	pattern := map[string]any{
		"source":      []string{ecrEventSource},
		"detail-type": []string{ecrEventDetailType},
		"detail": map[string]any{
			"action-type":     []string{ecrActionPush},
			"result":          []string{ecrResultSuccess},
			"repository-name": []string{repository},
		},
	}
	data, err := json.Marshal(pattern)
	if err != nil {
		return "", fmt.Errorf("marshal event pattern: %w", err)
	}
	return string(data), nil
}
