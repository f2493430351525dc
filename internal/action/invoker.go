package action

import (
	"context"
	"encoding/json"

	"go-timer/internal/model"
)

// Outcome is what a single invocation of a job's action produced.
type Outcome struct {
	Success    bool
	StatusCode int
	Detail     json.RawMessage
}

type Invoker interface {
	Invoke(ctx context.Context, action model.Action) Outcome
}

type InvokerFunc func(ctx context.Context, action model.Action) Outcome

func (f InvokerFunc) Invoke(ctx context.Context, action model.Action) Outcome {
	return f(ctx, action)
}

// TokenSource hands out bearer tokens for the scope stored with a job.
type TokenSource interface {
	Token(ctx context.Context, scope string) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context, string) (string, error) {
	return string(t), nil
}

func failure(statusCode int, err error) Outcome {
	detail, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Outcome{Success: false, StatusCode: statusCode, Detail: detail}
}
