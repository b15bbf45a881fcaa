package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewTextLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "text"}, &buf)

	logger.InfoContext(context.Background(), "skipped", "a", 1)
	logger.WarnContext(context.Background(), "kept", "b", 2)

	out := buf.String()
	if strings.Contains(out, "skipped") {
		t.Fatalf("expected info record to be filtered, got:\n%s", out)
	}
	for _, want := range []string{"level=WARN", "msg=kept", "b=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "JSON"}, &buf)
	logger.Debug("hello", "k", "v")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode json record: %v (%s)", err, buf.String())
	}
	if record["msg"] != "hello" || record["k"] != "v" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("loud"); got.String() != "INFO" {
		t.Fatalf("parseLevel = %s, want INFO", got)
	}
}

func TestFingerprintHidesSecret(t *testing.T) {
	secret := "c2VjcmV0LXRva2VuLXZhbHVlLXRoYXQtaXMtbG9uZw"
	fp := Fingerprint(secret)
	if len(fp) != 12 {
		t.Fatalf("expected 12 hex characters, got %q", fp)
	}
	if strings.Contains(secret, fp) {
		t.Fatalf("fingerprint leaks secret")
	}
	if Fingerprint(secret) != fp {
		t.Fatal("expected stable fingerprint")
	}
	if Fingerprint("  ") != "" {
		t.Fatal("expected empty fingerprint for blank secret")
	}
}

func TestTokenAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{}, &buf)
	logger.Info("issued", Token("token", "raw-secret"))
	if strings.Contains(buf.String(), "raw-secret") {
		t.Fatalf("log output leaks token: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "token="+Fingerprint("raw-secret")) {
		t.Fatalf("expected token fingerprint in %s", buf.String())
	}
}
