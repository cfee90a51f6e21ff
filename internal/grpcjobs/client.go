package grpcjobs

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/bplrt/internal/procstore"
)

// Client is what an out-of-process worker dials to pull and complete
// JobActivations over the protocol Server exposes.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a Server at addr. opts are passed through to
// grpc.NewClient (e.g. transport credentials); callers typically pass
// insecure.NewCredentials() for a same-host worker pool.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcjobs: dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

// Dequeue pulls up to max JobActivations across taskTypes.
func (c *Client) Dequeue(ctx context.Context, taskTypes []string, max int) ([]procstore.JobActivation, error) {
	types := make([]any, len(taskTypes))
	for i, t := range taskTypes {
		types[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"task_types": types, "max": float64(max)})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, "Dequeue", req, resp); err != nil {
		return nil, err
	}
	lv := resp.GetFields()["jobs"].GetListValue()
	out := make([]procstore.JobActivation, 0, len(lv.GetValues()))
	for _, v := range lv.GetValues() {
		js := v.GetStructValue()
		a, err := structToActivation(js)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Complete reports a successful JobCompletion.
func (c *Client) Complete(ctx context.Context, completion procstore.JobCompletion) error {
	req, err := completionToStruct(completion)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	return c.invoke(ctx, "Complete", req, resp)
}

// Fail reports that activation could not be completed, for reason.
func (c *Client) Fail(ctx context.Context, activation procstore.JobActivation, reason string) error {
	req, err := activationToStruct(activation)
	if err != nil {
		return err
	}
	req.Fields["reason"] = structpb.NewStringValue(reason)
	resp := new(structpb.Struct)
	return c.invoke(ctx, "Fail", req, resp)
}
