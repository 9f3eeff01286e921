package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/chainguard-dev/clog"
)

type LambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// WaiterInvoker kicks off the image-readiness long poll without waiting
// for it. The invoke gets a deliberately tiny timeout and its outcome is
// discarded: the waiter runs for minutes and the caller must not block.
type WaiterInvoker struct {
	client       LambdaAPI
	functionName string
	timeout      time.Duration
}

func NewWaiterInvoker(client LambdaAPI, functionName string) *WaiterInvoker {
	return &WaiterInvoker{
		client:       client,
		functionName: functionName,
		timeout:      time.Second,
	}
}

type waiterRequest struct {
	ImageID string `json:"ami_id"`
	Region  string `json:"region"`
}

// FireImageWait asynchronously invokes the waiter for an image copy. The
// caller's bearer token is forwarded so the waiter can authorize it.
func (w *WaiterInvoker) FireImageWait(ctx context.Context, token, region, imageID string) {
	log := clog.FromContext(ctx).With("region", region, "image", imageID)

	body, err := json.Marshal(waiterRequest{ImageID: imageID, Region: region})
	if err != nil {
		log.Warn("waiter payload failed", "error", err)
		return
	}
	payload, err := json.Marshal(events.APIGatewayProxyRequest{
		Headers: map[string]string{"Authorization": "Bearer " + token},
		Body:    string(body),
	})
	if err != nil {
		log.Warn("waiter payload failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if _, err := w.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(w.functionName),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        payload,
	}); err != nil {
		// Expected when the invoke outlives the tiny timeout.
		log.Info("waiter invoke returned early", "error", err)
		return
	}
	log.Info("waiter invoked")
}
