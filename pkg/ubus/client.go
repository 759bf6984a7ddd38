// Package ubus calls OpenWrt ubus objects through the ubus CLI
package ubus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/retry"
)

// Client represents a ubus client. Calls go through the runner, so they work
// locally or against a remote router over SSH.
type Client struct {
	runner *retry.Runner
	logger *logx.Logger
}

// NewClient creates a new ubus client
func NewClient(runner *retry.Runner, logger *logx.Logger) *Client {
	if runner == nil {
		runner = retry.NewRunner(retry.DefaultConfig())
	}
	if logger == nil {
		logger = logx.New("error")
	}
	return &Client{
		runner: runner,
		logger: logger,
	}
}

// Call makes a ubus call. data, when not nil, is sent as the JSON argument.
func (c *Client) Call(ctx context.Context, object, method string, data interface{}) (json.RawMessage, error) {
	args := []string{"call", object, method}

	if data != nil {
		dataJSON, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		args = append(args, string(dataJSON))
	}

	output, err := c.runner.Output(ctx, "ubus", args...)
	if err != nil {
		return nil, fmt.Errorf("ubus call %s %s failed: %w", object, method, err)
	}

	c.logger.Debug("ubus call", "object", object, "method", method, "bytes", len(output))
	return json.RawMessage(output), nil
}

// CallMap makes a ubus call and decodes the reply into a generic map
func (c *Client) CallMap(ctx context.Context, object, method string, data interface{}) (map[string]interface{}, error) {
	raw, err := c.Call(ctx, object, method, data)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse %s %s response: %w", object, method, err)
	}
	return result, nil
}

// CallInto makes a ubus call and decodes the reply into v
func (c *Client) CallInto(ctx context.Context, object, method string, data interface{}, v interface{}) error {
	raw, err := c.Call(ctx, object, method, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s %s response: %w", object, method, err)
	}
	return nil
}

// ListObjects lists available ubus objects, sorted
func (c *Client) ListObjects(ctx context.Context) ([]string, error) {
	output, err := c.runner.Output(ctx, "ubus", "list")
	if err != nil {
		return nil, fmt.Errorf("failed to list ubus objects: %w", err)
	}

	var objects []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			objects = append(objects, line)
		}
	}
	sort.Strings(objects)
	return objects, nil
}

// HasObject reports whether a ubus object is registered
func (c *Client) HasObject(ctx context.Context, name string) bool {
	objects, err := c.ListObjects(ctx)
	if err != nil {
		return false
	}
	i := sort.SearchStrings(objects, name)
	return i < len(objects) && objects[i] == name
}
