package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emberworks/bellows/internal/handler"
)

// registerDiagnostics installs built-in handlers for smoke testing a
// deployment. Real handlers are registered by the embedding application.
func registerDiagnostics(reg *handler.Registry) {
	reg.Register("diag.echo", func(_ context.Context, req handler.Request) (any, error) {
		if len(req.Payload) == 0 {
			return nil, nil
		}
		return req.Payload, nil
	})

	reg.Register("diag.sleep", func(ctx context.Context, req handler.Request) (any, error) {
		var opts struct {
			DurationMS int  `json:"duration_ms"`
			Steps      int  `json:"steps"`
			Fail       bool `json:"fail"`
		}
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &opts); err != nil {
				return nil, fmt.Errorf("decode options: %w", err)
			}
		}
		if opts.DurationMS <= 0 {
			opts.DurationMS = 1000
		}
		if opts.Steps <= 0 {
			opts.Steps = 10
		}

		step := time.Duration(opts.DurationMS) * time.Millisecond / time.Duration(opts.Steps)
		for i := 1; i <= opts.Steps; i++ {
			select {
			case <-time.After(step):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			req.Progress(float64(i) / float64(opts.Steps) * 100)
		}
		if opts.Fail {
			return nil, errors.New("requested failure")
		}
		return map[string]int{"slept_ms": opts.DurationMS}, nil
	})
}
