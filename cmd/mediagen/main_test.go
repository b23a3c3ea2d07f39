package main

import (
	"bytes"
	"image"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mediagen/internal/config"
	"mediagen/internal/devserver"
	"mediagen/internal/logging"
	"mediagen/internal/mediastore"
	"mediagen/internal/store"
)

func setupDevServer(t *testing.T) string {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st := store.NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	media := mediastore.NewWithBackend(&mediastore.LocalBackend{BaseDir: t.TempDir()}, 8)
	srv := httptest.NewServer(devserver.New(config.Config{MaxUploadBytes: 1 << 20}, st, media, nil, logging.Discard()).Router())
	t.Cleanup(srv.Close)

	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("POLL_INTERVAL_TTS", "5ms")
	t.Setenv("POLL_INTERVAL_TEMPLATE_UPLOAD", "5ms")
	t.Setenv("BACKOFF_INITIAL", "1ms")
	t.Setenv("BACKOFF_MAX", "2ms")
	return srv.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func requireContains(t *testing.T, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Fatalf("output missing %q:\n%s", want, out)
	}
}

func TestSessionCommand(t *testing.T) {
	url := setupDevServer(t)

	out, err := runCLI(t, "--api", url, "session")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	requireContains(t, out, "false")

	out, err = runCLI(t, "--api", url, "--session", "abc", "session")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	requireContains(t, out, "dev")
	requireContains(t, out, "true")
}

func TestTTSWaitsForResult(t *testing.T) {
	url := setupDevServer(t)

	out, err := runCLI(t, "--api", url, "tts", "--model", "TM:voice", "--text", "hello", "--wait", "--timeout", "5s")
	if err != nil {
		t.Fatalf("tts: %v\n%s", err, out)
	}
	requireContains(t, out, "enqueued TtsInference job jinf_")
	requireContains(t, out, "COMPLETE_SUCCESS")
	requireContains(t, out, "res_")
}

func TestTTSReportsDeadJob(t *testing.T) {
	url := setupDevServer(t)

	out, err := runCLI(t, "--api", url, "tts", "--model", "TM:voice", "--text", "hello", "--simulate", "dead", "--wait", "--timeout", "5s")
	if err == nil {
		t.Fatalf("expected failure, got:\n%s", out)
	}
	requireContains(t, out, "DEAD")
	requireContains(t, err.Error(), "abandoned")
}

func TestLipsyncRejectionPrintsFields(t *testing.T) {
	url := setupDevServer(t)

	out, err := runCLI(t, "--api", url, "lipsync", "--audio", "m_missing", "--image", "m_missing")
	if err == nil {
		t.Fatal("expected rejection")
	}
	requireContains(t, out, "rejected: BAD_INPUT")
	requireContains(t, out, "audio_media_file_token")
	requireContains(t, out, "unknown media file")
}

func TestUploadTemplateWorkflow(t *testing.T) {
	url := setupDevServer(t)

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 6, 6))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "pose.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := runCLI(t, "--api", url, "upload-template", "--file", path, "--title", "Pose", "--wait", "--timeout", "5s")
	if err == nil {
		t.Fatalf("anonymous upload should need login:\n%s", out)
	}
	requireContains(t, err.Error(), "login required")

	out, err = runCLI(t, "--api", url, "--session", "abc", "upload-template", "--file", path, "--title", "Pose", "--wait", "--timeout", "5s")
	if err != nil {
		t.Fatalf("upload-template: %v\n%s", err, out)
	}
	requireContains(t, out, "uploaded pose.png as m_")
	requireContains(t, out, "image/png")
	requireContains(t, out, "COMPLETE_SUCCESS")
}
