package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"bikefit-backend/internal/bootstrap"
	"bikefit-backend/internal/shared/config"
	"bikefit-backend/internal/shared/telemetry"
)

// proxy builds the router on the first invocation and reuses it for the
// lifetime of the sandbox. A failed build is not retried: the sandbox is
// broken until Lambda recycles it.
type proxy struct {
	build func() (*gin.Engine, error)

	once    sync.Once
	adapter *ginadapter.GinLambdaV2
	err     error
}

func (p *proxy) handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	p.once.Do(func() {
		router, err := p.build()
		if err != nil {
			p.err = err
			telemetry.Error("lambda.bootstrap_failed", map[string]any{"error": err.Error()})
			return
		}
		p.adapter = ginadapter.NewV2(router)
	})
	if p.err != nil {
		body, _ := json.Marshal(map[string]string{"message": "Service unavailable", "error": "bootstrap failed"})
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusServiceUnavailable,
			Body:       string(body),
			Headers:    map[string]string{"Content-Type": "application/json"},
		}, nil
	}
	return p.adapter.ProxyWithContext(ctx, req)
}

func buildRouter() (*gin.Engine, error) {
	cfg := config.Load()
	telemetry.Init(cfg.LogLevel)
	if cfg.DispatchMode == "inprocess" {
		// Lambda freezes the sandbox after the response, so background jobs stall until the next invoke.
		telemetry.Warn("lambda.inprocess_dispatch", map[string]any{"hint": "set DISPATCH_MODE=sqs"})
	}
	app, err := bootstrap.Build(cfg)
	if err != nil {
		return nil, err
	}
	return app.Router, nil
}

func main() {
	p := &proxy{build: buildRouter}
	lambda.Start(p.handle)
}
