package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAppendsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := context.Background()
	ctx = WithSessionData(ctx, &SessionData{SessionID: "S1", ProtocolVersion: "2025-06-18"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/list", ID: "7", Type: "request"})

	log.InfoContext(ctx, "http.post.done")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v (raw %q)", err, buf.String())
	}
	sess, ok := rec["sess"].(map[string]any)
	if !ok || sess["id"] != "S1" {
		t.Fatalf("expected sess group with id S1, got %v", rec["sess"])
	}
	rpc, ok := rec["rpc"].(map[string]any)
	if !ok {
		t.Fatalf("expected rpc group, got %v", rec["rpc"])
	}
	if rpc["method"] != "tools/list" || rpc["id"] != "7" || rpc["type"] != "request" {
		t.Fatalf("unexpected rpc group: %v", rpc)
	}
}

func TestHandlerWithoutContextDataAddsNothing(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	log.Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	for _, group := range []string{"req", "sess", "rpc", "tool"} {
		if _, present := rec[group]; present {
			t.Fatalf("group %q must be absent without context data", group)
		}
	}
}
