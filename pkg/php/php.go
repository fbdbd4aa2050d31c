// Package php is the client façade over the pool manager, plus the
// convenience wrappers that quote scalar arguments into PHP literals.
package php

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/wdshin/php-app/pkg/pool"
	"github.com/wdshin/php-app/pkg/tracing"
	"github.com/wdshin/php-app/pkg/types"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Client serializes requests onto a pool manager. It is stateless and
// safe for concurrent use.
type Client struct {
	pool *pool.Manager
}

func NewClient(m *pool.Manager) *Client { return &Client{pool: m} }

type evalOpts struct {
	token   string
	timeout time.Duration
}

// EvalOption tweaks a single evaluation.
type EvalOption interface {
	apply(*evalOpts) error
}

type tokenOption struct{ token string }

func (o tokenOption) apply(e *evalOpts) error {
	e.token = o.token
	return nil
}

// WithToken evaluates on an existing reservation instead of a
// transiently acquired worker.
func WithToken(token string) EvalOption { return tokenOption{token: token} }

type timeoutOption struct{ d time.Duration }

func (o timeoutOption) apply(e *evalOpts) error {
	if o.d < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidArgument)
	}
	e.timeout = o.d
	return nil
}

// WithTimeout bounds the evaluation. Zero means unbounded.
func WithTimeout(d time.Duration) EvalOption { return timeoutOption{d: d} }

// Eval runs a PHP fragment on a pool worker.
func (c *Client) Eval(ctx context.Context, code string, opts ...EvalOption) (types.Result, error) {
	var eo evalOpts
	for _, o := range opts {
		if err := o.apply(&eo); err != nil {
			return types.Result{}, err
		}
	}
	ctx, span := tracing.StartSpan(ctx, "php.eval")
	res, err := c.pool.Eval(ctx, code, eo.token, eo.timeout)
	tracing.EndSpan(span, err)
	return res, err
}

// Reserve leases a worker under the configured default memory ceiling.
func (c *Client) Reserve(ctx context.Context) (string, error) {
	return c.pool.Reserve(ctx, 0)
}

// ReserveMem leases a worker with an explicit memory ceiling in KiB;
// negative means unbounded.
func (c *Client) ReserveMem(ctx context.Context, maxMemKB int) (string, error) {
	return c.pool.Reserve(ctx, maxMemKB)
}

func (c *Client) Release(ctx context.Context, token string) error {
	return c.pool.Release(ctx, token)
}

func (c *Client) GetMemory(ctx context.Context, token string) (int, error) {
	return c.pool.GetMemory(ctx, token)
}

func (c *Client) RestartAll(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "php.restart_all")
	err := c.pool.RestartAll(ctx)
	tracing.EndSpan(span, err)
	return err
}

func (c *Client) RequireCode(ctx context.Context, code string) (string, error) {
	return c.pool.RequireCode(ctx, code)
}

func (c *Client) UnrequireCode(ctx context.Context, token string) error {
	return c.pool.UnrequireCode(ctx, token)
}

// Call builds `function(args...);` with every argument rendered as a PHP
// literal and evaluates it.
func (c *Client) Call(ctx context.Context, function string, args []any, opts ...EvalOption) (types.Result, error) {
	code, err := callSnippet(function, args)
	if err != nil {
		return types.Result{}, err
	}
	return c.Eval(ctx, code, opts...)
}

// Return evaluates `return function(args...);` and yields the decoded
// return value.
func (c *Client) Return(ctx context.Context, function string, args []any, opts ...EvalOption) (any, error) {
	code, err := callSnippet(function, args)
	if err != nil {
		return nil, err
	}
	res, err := c.Eval(ctx, "return "+code, opts...)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case types.ResultOK:
		return res.Value, nil
	case types.ResultParseError:
		return nil, fmt.Errorf("parse error: %s", res.LastError)
	default:
		if res.TimedOut {
			return nil, fmt.Errorf("evaluator timed out")
		}
		return nil, fmt.Errorf("evaluator exited with code %d", res.ExitCode)
	}
}

func callSnippet(function string, args []any) (string, error) {
	if function == "" || strings.ContainsAny(function, "();'\" \t\r\n") {
		return "", fmt.Errorf("%w: bad function name %q", ErrInvalidArgument, function)
	}
	var b strings.Builder
	b.WriteString(function)
	b.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		lit, err := literal(a)
		if err != nil {
			return "", err
		}
		b.WriteString(lit)
	}
	b.WriteString(");")
	return b.String(), nil
}

// literal renders one scalar as a PHP literal. Integers and floats keep
// their natural textual form.
func literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return Quote(x), nil
	case bool:
		if x {
			return "true", nil
		}
		return "false", nil
	case int:
		return strconv.Itoa(x), nil
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", x), nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("%w: non-finite float", ErrInvalidArgument)
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: unsupported argument type %T", ErrInvalidArgument, v)
	}
}

// Quote renders s as a single-quoted PHP string literal: single-quote
// and backslash are each prefixed with a backslash.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\'' || ch == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(ch)
	}
	b.WriteByte('\'')
	return b.String()
}
