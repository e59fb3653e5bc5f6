// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/handler"
	"github.com/creachadair/tcpclient/ipc/peers"
	"github.com/fortytw2/leaktest"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error)     { return []byte(v), nil }
func (v *tvBinary) UnmarshalBinary(data []byte) error { *v = tvBinary(data); return nil }

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	check := func(t *testing.T, want, etext string, h ipc.Handler) {
		t.Helper()
		loc.A.Handle(0, h)
		ctx := context.Background()
		rsp, err := loc.B.Call(ctx, 0, []byte("input"))
		if err != nil {
			if got := err.Error(); got != etext {
				t.Fatalf("Call: got error %v, want %q", err, etext)
			}
		} else if etext != "" {
			t.Fatalf("Call: got %v, want error %q", rsp, etext)
		} else if got := string(rsp.Data); got != want {
			t.Errorf("Call result: got %q, want %q", got, want)
		}
	}
	checkReq := func(t *testing.T, ctx context.Context) {
		t.Helper()
		req := handler.ContextRequest(ctx)
		if req == nil {
			t.Error("Context does not contain request")
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkReq(t, ctx)
					return s + "-ok", nil
				},
			))
		})
		t.Run("StringByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) ([]byte, error) {
					checkReq(t, ctx)
					return []byte(s + "-ok"), nil
				},
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvText) ([]byte, error) {
					checkReq(t, ctx)
					return []byte(s + "-ok"), nil
				},
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvBinary) (tvText, error) {
					checkReq(t, ctx)
					return tvText(s + "-ok"), nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", "service error: bad robot", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkReq(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s string) string { checkReq(t, ctx); return s + "-ok" },
			))
		})
		t.Run("StringByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s string) []byte { checkReq(t, ctx); return []byte(s + "-ok") },
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s tvText) []byte { checkReq(t, ctx); return []byte(s + "-ok") },
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s tvBinary) tvText { checkReq(t, ctx); return tvText(s + "-ok") },
			))
		})
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ParamError(
				func(ctx context.Context, s string) error { checkReq(t, ctx); return errors.New("ok") },
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ParamError(
				func(ctx context.Context, b []byte) error { checkReq(t, ctx); return errors.New("ok") },
			))
		})
		t.Run("Text", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ParamError(
				func(ctx context.Context, s tvText) error {
					checkReq(t, ctx)
					return ipc.ErrorData{Message: "ok", Data: []byte("hi")}
				},
			))
		})
		t.Run("Binary", func(t *testing.T) {
			check(t, "", "service error: [code 100] ok", handler.ParamError(
				func(ctx context.Context, s tvBinary) error {
					checkReq(t, ctx)
					return ipc.ErrorData{Code: 100, Message: "ok"}
				},
			))
		})
	})

	t.Run("RE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "please", "", handler.ResultError(
				func(ctx context.Context) (string, error) {
					checkReq(t, ctx)
					return "please", nil
				},
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "clap", "", handler.ResultError(
				func(ctx context.Context) ([]byte, error) {
					checkReq(t, ctx)
					return []byte("clap"), nil
				},
			))
		})
		t.Run("Text", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ResultError(
				func(ctx context.Context) (tvText, error) {
					checkReq(t, ctx)
					return "", ipc.ErrorData{Message: "ok", Data: []byte("hi")}
				},
			))
		})
		t.Run("Binary", func(t *testing.T) {
			check(t, "louder", "", handler.ResultError(
				func(ctx context.Context) (tvBinary, error) {
					checkReq(t, ctx)
					return "louder", nil
				},
			))
		})
	})

	t.Run("RO", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "please", "", handler.ResultOnly(
				func(ctx context.Context) string { checkReq(t, ctx); return "please" },
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "clap", "", handler.ResultOnly(
				func(ctx context.Context) []byte { checkReq(t, ctx); return []byte("clap") },
			))
		})
		t.Run("Text", func(t *testing.T) {
			check(t, "more", "", handler.ResultOnly(
				func(ctx context.Context) tvText { checkReq(t, ctx); return "more" },
			))
		})
		t.Run("Binary", func(t *testing.T) {
			check(t, "loudly", "", handler.ResultOnly(
				func(ctx context.Context) tvBinary { checkReq(t, ctx); return "loudly" },
			))
		})
	})
}

func TestTransfer(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	ctx := context.Background()
	loc.A.
		Handle(1, handler.Upload(func(ctx context.Context, tag string, data []byte) (string, error) {
			if handler.ContextRequest(ctx) == nil {
				t.Error("Context does not contain request")
			}
			return tag + ":" + string(data), nil
		})).
		Handle(2, handler.Download(func(ctx context.Context, tag string, limit int) ([]byte, tvText, error) {
			if tag == "none" {
				return nil, "", ipc.ErrorData{Code: 5, Message: "empty"}
			}
			return []byte("0123456789"), tvText(tag), nil
		}))

	t.Run("Upload", func(t *testing.T) {
		x, err := loc.B.Begin(1, []byte("up"))
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if err := x.Write(ctx, []byte("payload")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if rsp, err := x.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		} else if got, want := string(rsp.Data), "up:payload"; got != want {
			t.Errorf("Result: got %q, want %q", got, want)
		}
	})

	t.Run("Download", func(t *testing.T) {
		x, err := loc.B.Begin(2, []byte("down"))
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		buf := make([]byte, 6)
		nr, err := x.Read(ctx, buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		} else if got, want := string(buf[:nr]), "012345"; got != want {
			t.Errorf("Read: got %q, want %q", got, want)
		}
		if rsp, err := x.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		} else if got, want := string(rsp.Data), "down"; got != want {
			t.Errorf("Result: got %q, want %q", got, want)
		}
	})

	t.Run("DownloadError", func(t *testing.T) {
		x, err := loc.B.Begin(2, []byte("none"))
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		var buf [4]byte
		if nr, err := x.Read(ctx, buf[:]); err == nil {
			t.Errorf("Read: got %d bytes, want error", nr)
		}
		var ce *ipc.CallError
		if _, err := x.Wait(ctx); !errors.As(err, &ce) || ce.Code != 5 {
			t.Errorf("Wait: got %v, want service error code 5", err)
		}
	})

	t.Run("NoCall", func(t *testing.T) {
		h := handler.Upload(func(context.Context, string, []byte) (string, error) { return "", nil })
		if _, err := h(ctx, &ipc.Request{}); err == nil {
			t.Error("Upload outside a call: got nil, want error")
		}
	})
}
