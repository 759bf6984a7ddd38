package retry

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func getTestCommand() (success []string, failure []string) {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/c", "echo", "test"}, []string{"cmd", "/c", "exit", "1"}
	}
	return []string{"echo", "test"}, []string{"false"}
}

// countingExecutor fails the first failures calls
type countingExecutor struct {
	failures int
	calls    int
}

func (c *countingExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, errors.New("transient")
	}
	return []byte(name + " ok"), nil
}

func TestRunnerRetryOnFailure(t *testing.T) {
	config := Config{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
	}
	runner := NewRunner(config)

	start := time.Now()
	_, failure := getTestCommand()
	_, err := runner.Output(context.Background(), failure[0], failure[1:]...)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error from failure command")
	}

	// Should have taken at least some time for retries
	minExpected := 10*time.Millisecond + 20*time.Millisecond
	if elapsed < minExpected {
		t.Errorf("expected at least %v for retries, got %v", minExpected, elapsed)
	}
}

func TestRunnerOutputSuccess(t *testing.T) {
	runner := NewRunner(DefaultConfig())

	success, _ := getTestCommand()
	output, err := runner.Output(context.Background(), success[0], success[1:]...)
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}

	if got := strings.TrimSpace(string(output)); got != "test" {
		t.Errorf("expected %q, got %q", "test", got)
	}
}

func TestRunnerUsesExecutor(t *testing.T) {
	exec := &countingExecutor{failures: 2}
	runner := NewRunnerWithExecutor(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}, exec)

	out, err := runner.Output(context.Background(), "gpsctl", "-i")
	if err != nil {
		t.Fatalf("expected success on third attempt, got: %v", err)
	}
	if string(out) != "gpsctl ok" {
		t.Errorf("unexpected output %q", out)
	}
	if exec.calls != 3 {
		t.Errorf("expected 3 calls, got %d", exec.calls)
	}
}

func TestRunnerContextCancellation(t *testing.T) {
	config := Config{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
	}
	runner := NewRunnerWithExecutor(config, &countingExecutor{failures: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.Output(ctx, "ubus")
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("took too long: %v", elapsed)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", config.MaxAttempts)
	}
	if config.InitialDelay != 100*time.Millisecond {
		t.Errorf("expected InitialDelay=100ms, got %v", config.InitialDelay)
	}
}

func TestShellJoin(t *testing.T) {
	got := shellJoin("ubus", []string{"call", "mobiled.device", "status", `{"dev":"modem 1"}`})
	want := `ubus call mobiled.device status '{"dev":"modem 1"}'`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if got := shellJoin("echo", []string{"it's"}); got != `echo 'it'\''s'` {
		t.Errorf("unexpected quoting %s", got)
	}
}
