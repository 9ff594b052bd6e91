package tools

import (
	"context"
	"fmt"
)

type EchoTool struct{}

func (e *EchoTool) Name() string { return "echo" }

func (e *EchoTool) Execute(ctx context.Context, req Request) (string, string, error) {
	return fmt.Sprintf("echo: %s", req.input()), "", nil
}
