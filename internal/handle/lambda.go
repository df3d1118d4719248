package handle

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/dmorgan81/imagebot/internal/handler"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/samber/do"
	"github.com/samber/lo"
)

// FunctionURLHandler serves the dispatcher behind a Lambda function URL.
type FunctionURLHandler struct {
	handler *handler.Handler
}

func NewFunctionURLHandler(i *do.Injector) (*FunctionURLHandler, error) {
	return &FunctionURLHandler{handler: do.MustInvoke[*handler.Handler](i)}, nil
}

func (h *FunctionURLHandler) Handle(ctx context.Context, request events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	logger := log.FromContextOrDiscard(ctx).With("request_id", request.RequestContext.RequestID)
	ctx = log.NewContext(ctx, logger)

	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return events.LambdaFunctionURLResponse{}, fmt.Errorf("decode request body: %w", err)
		}
		body = decoded
	}

	resp := h.handler.Dispatch(ctx, handler.Request{
		Method:  request.RequestContext.HTTP.Method,
		Path:    lo.Ternary(request.RawPath != "", request.RawPath, request.RequestContext.HTTP.Path),
		Headers: request.Headers,
		Body:    body,
	})

	out := events.LambdaFunctionURLResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
	}
	if isText(resp.ContentType()) {
		out.Body = string(resp.Body)
	} else {
		out.Body = base64.StdEncoding.EncodeToString(resp.Body)
		out.IsBase64Encoded = true
	}
	return out, nil
}

func isText(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") || strings.HasPrefix(contentType, "application/json")
}
