package genai

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Request is a single structured-output call. Schema is the JSON schema of
// the object the model must return through the named tool.
type Request struct {
	Op       string // for logs and transcripts
	System   string
	Prompt   string
	ToolName string
	ToolDesc string
	Schema   map[string]any
}

type Response struct {
	Content  string // tool arguments, or message content if the model did not call the tool
	Provider string
}

// Provider is one model endpoint.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

var ErrAllProvidersFailed = errors.New("all generator providers failed")

// Chain tries providers in order and stops at the first success.
type Chain []Provider

func (c Chain) Name() string { return "chain" }

func (c Chain) Complete(ctx context.Context, req Request) (Response, error) {
	if len(c) == 0 {
		return Response{}, fmt.Errorf("%w: none configured", ErrAllProvidersFailed)
	}
	var errs []error
	for _, p := range c {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		resp, err := p.Complete(ctx, req)
		if err == nil {
			resp.Provider = p.Name()
			return resp, nil
		}
		log.Printf("genai: %s via %s failed: %v", req.Op, p.Name(), err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return Response{}, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}

var verboseMode bool

// SetVerbose echoes prompts and responses to the process log.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// VerboseLog logs only when verbose mode is enabled
func VerboseLog(format string, v ...any) {
	if verboseMode {
		log.Printf(format, v...)
	}
}
