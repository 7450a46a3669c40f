package tool

import (
	"context"
	"errors"
	"testing"
)

type echoArgs struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

var errSentinel = errors.New("sentinel")

func TestNewFunction_StringResult(t *testing.T) {
	echo, err := NewFunction[echoArgs, string]("echo", "echo text", func(ctx context.Context, args echoArgs) (string, error) {
		_ = ctx
		if args.Count != 2 {
			return "", errors.New("count not decoded")
		}
		return args.Text + args.Text, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := echo.Run(context.Background(), map[string]any{"text": "ab", "count": 2})
	if err != nil {
		t.Fatal(err)
	}
	if ResultText(out) != "abab" {
		t.Fatalf("unexpected result %v", out)
	}
	decl := echo.Declaration()
	if decl.Name != "echo" || decl.Description != "echo text" || decl.Parameters["type"] != "object" {
		t.Fatalf("unexpected declaration %+v", decl)
	}
}

func TestNewFunction_HandlerErrorIsNotWrapped(t *testing.T) {
	fail, err := NewFunction[struct{}, string]("fail", "", func(context.Context, struct{}) (string, error) {
		return "", errSentinel
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = fail.Run(context.Background(), nil)
	if err != errSentinel {
		t.Fatalf("expected handler error unchanged, got %v", err)
	}
}

func TestNewFunction_DecodeError(t *testing.T) {
	echo, err := NewFunction[echoArgs, string]("echo", "", func(context.Context, echoArgs) (string, error) {
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := echo.Run(context.Background(), map[string]any{"count": "two"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBuildMap_RejectsDuplicates(t *testing.T) {
	a, _ := NewFunction[struct{}, string]("a", "", func(context.Context, struct{}) (string, error) { return "", nil })
	b, _ := NewFunction[struct{}, string]("a", "", func(context.Context, struct{}) (string, error) { return "", nil })
	if _, err := BuildMap([]Tool{a, b}); err == nil {
		t.Fatal("expected duplicate tool error")
	}
	m, err := BuildMap([]Tool{a, nil})
	if err != nil || len(m) != 1 {
		t.Fatalf("unexpected map %v, err=%v", m, err)
	}
	if names := Names([]Tool{a, nil, b}); len(names) != 2 {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestNewFunction_Validation(t *testing.T) {
	if _, err := NewFunction[struct{}, string]("", "", func(context.Context, struct{}) (string, error) { return "", nil }); err == nil {
		t.Fatal("expected missing name error")
	}
	if _, err := NewFunction[struct{}, string]("x", "", nil); err == nil {
		t.Fatal("expected nil handler error")
	}
}
