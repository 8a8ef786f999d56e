package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/auth"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/eventbus"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/httpx"
)

func TestRunCommandRouting(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out); err == nil || err.Error() != "command required" {
		t.Fatalf("expected command required, got %v", err)
	}
	if !strings.Contains(out.String(), "escrowctl commands") {
		t.Fatalf("expected usage output, got %q", out.String())
	}
	out.Reset()
	if err := run(context.Background(), []string{"unknown"}, &out); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if err := run(context.Background(), []string{"hash-panic", "--bogus"}, &out); err == nil {
		t.Fatal("expected flag parse error")
	}
}

func TestIssueToken(t *testing.T) {
	secret := strings.Repeat("s", 32)
	t.Setenv("AUTH_HS256_SECRET", "")
	var out bytes.Buffer
	if err := run(context.Background(), []string{"token", "--subject", "alice"}, &out); err == nil {
		t.Fatal("expected secret requirement")
	}
	t.Setenv("AUTH_HS256_SECRET", secret)
	if err := run(context.Background(), []string{"token", "--subject", "alice", "--roles", "admin, arbitrator", "--ttl", "10m"}, &out); err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := auth.VerifyHS256Token(strings.TrimSpace(out.String()), secret, time.Now(), "", "", 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "alice" || len(claims.Roles) != 2 || claims.Roles[1] != "arbitrator" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestHashPanicAndCheckPolicy(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"hash-panic", "--code", " "}, &out); err == nil {
		t.Fatal("expected code requirement")
	}
	if err := run(context.Background(), []string{"hash-panic", "--code", "red-umbrella"}, &out); err != nil {
		t.Fatalf("hash-panic: %v", err)
	}
	if strings.TrimSpace(out.String()) != escrow.HashPanicCode("red-umbrella") {
		t.Fatalf("unexpected hash %q", out.String())
	}

	if err := run(context.Background(), []string{"check-policy"}, &out); err == nil {
		t.Fatal("expected file requirement")
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("arbitration:\n  threshold: 3\narbitrators: [a, b, c]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out.Reset()
	if err := run(context.Background(), []string{"check-policy", "--file", path}, &out); err != nil {
		t.Fatalf("check-policy: %v", err)
	}
	if !strings.Contains(out.String(), `"threshold": 3`) {
		t.Fatalf("expected overlaid threshold, got %s", out.String())
	}
	if err := os.WriteFile(path, []byte("arbitration:\n  threshold: 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := run(context.Background(), []string{"check-policy", "--file", path}, &out); err == nil {
		t.Fatal("expected invalid policy")
	}
}

func TestQueryCommands(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.RequestURI())
		if r.Header.Get("Authorization") != "Bearer tok" {
			httpx.Error(w, http.StatusUnauthorized, "missing token")
			return
		}
		if strings.HasSuffix(r.URL.Path, "/missing") {
			httpx.ErrorCode(w, http.StatusNotFound, "not_found", "escrow not found")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path})
	}))
	defer srv.Close()

	cases := []struct {
		args []string
		uri  string
	}{
		{[]string{"get", "--escrow", "e1"}, "/v1/escrows/e1"},
		{[]string{"timelock", "--escrow", "e1"}, "/v1/escrows/e1/timelock"},
		{[]string{"dispute", "--escrow", "e1"}, "/v1/escrows/e1/dispute"},
		{[]string{"list", "--party", "bob smith"}, "/v1/escrows?party=bob+smith"},
		{[]string{"reputation", "--user", "bob"}, "/v1/reputation/bob"},
	}
	for _, tc := range cases {
		seen = nil
		var out bytes.Buffer
		args := append(tc.args, "--addr", srv.URL+"/", "--token", "tok")
		if err := run(context.Background(), args, &out); err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		if len(seen) != 1 || seen[0] != tc.uri {
			t.Fatalf("%v: expected %s, got %v", tc.args, tc.uri, seen)
		}
		var body map[string]string
		if err := json.Unmarshal(out.Bytes(), &body); err != nil {
			t.Fatalf("output not json: %q", out.String())
		}
	}

	var out bytes.Buffer
	err := run(context.Background(), []string{"get", "--escrow", "missing", "--addr", srv.URL, "--token", "tok"}, &out)
	if err == nil || !strings.Contains(err.Error(), "escrow not found (404)") {
		t.Fatalf("expected gateway error surfaced, got %v", err)
	}
	if err := run(context.Background(), []string{"get"}, &out); err == nil {
		t.Fatal("expected escrow requirement")
	}
	if err := run(context.Background(), []string{"reputation"}, &out); err == nil {
		t.Fatal("expected user requirement")
	}
}

type fakeConsumer struct {
	msgs   []eventbus.Message
	closed bool
}

func (f *fakeConsumer) ReadMessage(ctx context.Context) (eventbus.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return eventbus.Message{}, ctx.Err()
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func (f *fakeConsumer) Close() error {
	f.closed = true
	return nil
}

func TestTail(t *testing.T) {
	orig := newConsumer
	defer func() { newConsumer = orig }()

	encode := func(id, typ string) eventbus.Message {
		raw, err := eventbus.Encode(escrow.Event{Type: typ, EscrowID: id, OccurredAt: time.Now()})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return eventbus.Message{Key: []byte(id), Value: raw}
	}
	consumer := &fakeConsumer{msgs: []eventbus.Message{
		encode("e1", escrow.EventEscrowCreated),
		{Key: []byte("bad"), Value: []byte("{")},
		encode("e2", escrow.EventEscrowCreated),
		encode("e1", escrow.EventEscrowFunded),
	}}
	var gotCfg eventbus.KafkaConfig
	newConsumer = func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error) {
		gotCfg = cfg
		return consumer, nil
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"tail", "--brokers", "k1:9092,k2:9092", "--escrow", "e1", "--limit", "2"}, &out); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if gotCfg.Topic != "escrow.events" || gotCfg.GroupID != "escrowctl" || len(gotCfg.Brokers) != 2 {
		t.Fatalf("unexpected kafka config %+v", gotCfg)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], escrow.EventEscrowFunded) {
		t.Fatalf("expected two e1 events, got %q", out.String())
	}
	if !consumer.closed {
		t.Fatal("consumer must be closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := run(ctx, []string{"tail", "--brokers", "k1:9092"}, &out); err != nil {
		t.Fatalf("tail must stop quietly on cancel, got %v", err)
	}

	newConsumer = func(eventbus.KafkaConfig) (eventbus.Consumer, error) { return nil, errors.New("no brokers") }
	if err := run(context.Background(), []string{"tail"}, &out); err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected kafka error, got %v", err)
	}
}
