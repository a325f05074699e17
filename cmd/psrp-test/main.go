// psrp-test is an extended test client that validates the PSRP implementation
// across multiple scenarios to ensure robust functionality.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/host"
	"github.com/smnsjas/psrpcore-go/objects"
	"github.com/smnsjas/psrpcore-go/outofproc"
	"github.com/smnsjas/psrpcore-go/pipeline"
	"github.com/smnsjas/psrpcore-go/runspace"
	"github.com/smnsjas/psrpcore-go/serialization"
)

// TestCase defines a single test scenario.
type TestCase struct {
	Name        string
	Command     string
	Parameters  map[string]interface{}
	ExpectError bool
	Description string
}

// ProcessPipes holds the stdin/stdout of a child process.
type ProcessPipes struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *ProcessPipes) Close() error {
	_ = p.stdin.Close()
	_ = p.stdout.Close()
	return p.cmd.Wait()
}

func startProcess(command string, args ...string) (*ProcessPipes, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	return &ProcessPipes{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// harness drives the sans-I/O pool over an OutOfProcess Driver on the
// calling goroutine, giving the test suite a single pump point instead of
// per-pipeline channel goroutines.
type harness struct {
	pool   *runspace.Pool
	driver *outofproc.Driver
}

func newHarness(pool *runspace.Pool, driver *outofproc.Driver) *harness {
	return &harness{pool: pool, driver: driver}
}

// pumpUntil flushes queued bytes and reads packets until pred returns true
// or the deadline elapses.
func (h *harness) pumpUntil(ctx context.Context, deadline time.Time, pred func() bool) error {
	for {
		if err := h.driver.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		if pred() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for condition")
		}
		if _, err := h.driver.PumpOnce(); err != nil {
			return fmt.Errorf("pump: %w", err)
		}
	}
}

// pipelineResult accumulates everything a pipeline reported before it
// reached a terminal state.
type pipelineResult struct {
	output []objects.Value
	errors []string
	state  pipeline.State
	err    error
}

// runPipelines invokes every given pipeline concurrently (from the
// protocol's point of view; the OutOfProcess GUID channels keep their
// traffic separate) and pumps until all of them reach a terminal state.
func (h *harness) runPipelines(ctx context.Context, timeout time.Duration, pls []*pipeline.Pipeline) (map[uuid.UUID]*pipelineResult, error) {
	results := make(map[uuid.UUID]*pipelineResult, len(pls))
	for _, pl := range pls {
		results[pl.ID()] = &pipelineResult{}
		if err := pl.Invoke(); err != nil {
			return nil, fmt.Errorf("invoke %s: %w", pl.ID(), err)
		}
	}

	deadline := time.Now().Add(timeout)
	allDone := func() bool {
		for _, pl := range pls {
			if !isPipelineTerminal(pl.State()) {
				return false
			}
		}
		return true
	}

	drain := func() bool {
		for {
			ev, ok := h.pool.NextEvent()
			if !ok {
				break
			}
			res, known := results[ev.PipelineID]
			if !known {
				continue
			}
			switch ev.Kind {
			case runspace.EventPipelineOutput:
				values, derr := serialization.DeserializeCLIXMLWithProvider(string(ev.Data), h.pool.CryptoProvider())
				if derr != nil {
					res.errors = append(res.errors, fmt.Sprintf("output decode error: %v", derr))
					continue
				}
				res.output = append(res.output, values...)
			case runspace.EventPipelineErrorRecord:
				res.errors = append(res.errors, string(ev.Data))
			case runspace.EventPipelineStateChanged:
				res.state = ev.PipelineState
			}
		}
		return allDone()
	}

	if err := h.pumpUntil(ctx, deadline, drain); err != nil {
		return results, err
	}
	for _, pl := range pls {
		results[pl.ID()].err = pl.Err()
	}
	return results, nil
}

func isPipelineTerminal(s pipeline.State) bool {
	switch s {
	case pipeline.StateCompleted, pipeline.StateFailed, pipeline.StateStopped:
		return true
	default:
		return false
	}
}

func valuesToString(values []objects.Value) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v.Kind == objects.KindString {
			parts = append(parts, v.Str)
		} else {
			parts = append(parts, fmt.Sprintf("%+v", v))
		}
	}
	return strings.Join(parts, "\n")
}

func runTest(ctx context.Context, h *harness, tc TestCase) (passed bool, output string, errOutput string) {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("TEST: %s\n", tc.Name)
	fmt.Printf("DESC: %s\n", tc.Description)
	fmt.Printf("CMD:  %s\n", tc.Command)
	if len(tc.Parameters) > 0 {
		fmt.Printf("PARAMS: %v\n", tc.Parameters)
	}
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")

	pl, err := h.pool.CreatePipelineBuilder()
	if err != nil {
		fmt.Printf("FAILED: CreatePipelineBuilder error: %v\n", err)
		return false, "", ""
	}
	pl.AddCommand(tc.Command, false)
	for name, value := range tc.Parameters {
		pl.AddParameter(name, value)
	}

	results, err := h.runPipelines(ctx, 10*time.Second, []*pipeline.Pipeline{pl})
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		return false, "", ""
	}
	res := results[pl.ID()]

	output = valuesToString(res.output)
	errOutput = strings.Join(res.errors, "\n")
	hasOutput := len(strings.TrimSpace(output)) > 0
	hasError := len(strings.TrimSpace(errOutput)) > 0 || res.state == pipeline.StateFailed

	if tc.ExpectError {
		if hasError {
			fmt.Printf("PASSED: expected error received\n   Error: %s\n", truncate(errOutput, 200))
			return true, output, errOutput
		}
		fmt.Printf("FAILED: expected error but got none\n")
		return false, output, errOutput
	}

	if hasError {
		fmt.Printf("WARNING: unexpected error stream output\n   Error: %s\n", truncate(errOutput, 200))
	}
	if hasOutput {
		fmt.Printf("PASSED: received output\n   Output: %s\n", truncate(output, 200))
		return true, output, errOutput
	}
	fmt.Printf("PASSED: command completed (no output expected or received)\n")
	return true, output, errOutput
}

func runConcurrentTest(ctx context.Context, h *harness) bool {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("TEST: Concurrent Pipelines\n")
	fmt.Printf("DESC: Run two pipelines simultaneously to test multiplexing\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")

	pl1, err := h.pool.CreatePipelineBuilder()
	if err != nil {
		fmt.Printf("FAILED: CreatePipelineBuilder 1 error: %v\n", err)
		return false
	}
	pl1.AddCommand("Invoke-Expression", false)
	pl1.AddParameter("Command", "Start-Sleep -Milliseconds 500; 'Pipeline1-Done'")

	pl2, err := h.pool.CreatePipelineBuilder()
	if err != nil {
		fmt.Printf("FAILED: CreatePipelineBuilder 2 error: %v\n", err)
		return false
	}
	pl2.AddCommand("Invoke-Expression", false)
	pl2.AddParameter("Command", "'Pipeline2-Done'")

	results, err := h.runPipelines(ctx, 10*time.Second, []*pipeline.Pipeline{pl1, pl2})
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		return false
	}

	passed := true
	for i, pl := range []*pipeline.Pipeline{pl1, pl2} {
		res := results[pl.ID()]
		if res.err != nil {
			fmt.Printf("Pipeline %d error: %v\n", i+1, res.err)
			passed = false
			continue
		}
		out := valuesToString(res.output)
		want := fmt.Sprintf("Pipeline%d-Done", i+1)
		if strings.Contains(out, want) {
			fmt.Printf("Pipeline %d completed with expected output\n", i+1)
		} else {
			fmt.Printf("Pipeline %d output: %s\n", i+1, truncate(out, 100))
		}
	}
	if passed {
		fmt.Printf("PASSED: concurrent pipelines completed successfully\n")
	}
	return passed
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	fmt.Println("PSRP Extended Test Suite")
	fmt.Println("Validating psrpcore-go against a live pwsh -SSHServerMode process")

	log.Println("Starting pwsh -SSHServerMode process...")
	pipes, err := startProcess("/usr/local/bin/pwsh", "-SSHServerMode", "-NoLogo", "-NoProfile")
	if err != nil {
		log.Fatalf("Failed to start pwsh: %v", err)
	}
	defer pipes.Close()

	transport := outofproc.NewTransport(pipes.stdout, pipes.stdin)
	pool := runspace.New(uuid.New())
	driver := outofproc.NewDriver(transport, pool)
	_ = pool.SetHost(host.NewLoggingHost(host.NewNullHost(), log.Default()))
	h := newHarness(pool, driver)

	log.Println("Opening RunspacePool...")
	if err := pool.Open(); err != nil {
		log.Fatalf("RunspacePool Open failed: %v", err)
	}
	if err := h.pumpUntil(ctx, time.Now().Add(30*time.Second), func() bool {
		return pool.State() == runspace.StateOpened || pool.State() == runspace.StateBroken
	}); err != nil {
		log.Fatalf("handshake failed: %v", err)
	}
	if pool.State() != runspace.StateOpened {
		log.Fatalf("RunspacePool ended in state %v", pool.State())
	}
	log.Println("RunspacePool Opened Successfully!")

	log.Println("Exchanging session key...")
	if err := pool.ExchangeKey(); err != nil {
		log.Fatalf("ExchangeKey failed: %v", err)
	}
	keyEstablished := false
	if err := h.pumpUntil(ctx, time.Now().Add(15*time.Second), func() bool {
		for {
			ev, ok := pool.NextEvent()
			if !ok {
				break
			}
			switch ev.Kind {
			case runspace.EventSessionKeyEstablished:
				keyEstablished = true
			case runspace.EventDiagnostic:
				log.Printf("DIAGNOSTIC during key exchange: %v", ev.Err)
			}
		}
		return keyEstablished
	}); err != nil {
		log.Printf("session key exchange did not complete: %v", err)
	}
	if keyEstablished {
		log.Println("Session key established.")
	}

	testCases := []TestCase{
		{
			Name:        "Simple Command",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "Get-Date"},
			Description: "Basic Get-Date command to verify pipeline works",
		},
		{
			Name:        "Complex Objects",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "Get-Process | Select-Object -First 3 -Property Name,Id"},
			Description: "Returns multiple complex objects with properties",
		},
		{
			Name:        "Hashtable Output",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "@{Name='Test'; Value=123; Nested=@{Inner='Data'}}"},
			Description: "Returns a hashtable with nested structure",
		},
		{
			Name:        "String Output",
			Command:     "Write-Output",
			Parameters:  map[string]interface{}{"InputObject": "Hello from Go PSRP Client!"},
			Description: "Simple string output via Write-Output",
		},
		{
			Name:        "Multiple Outputs",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "1..5 | ForEach-Object { \"Item $_\" }"},
			Description: "Returns multiple string objects",
		},
		{
			Name:        "Large Output",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "1..100 | ForEach-Object { \"Line $_ - \" + ('X' * 50) }"},
			Description: "Large output to test fragmentation/reassembly",
		},
		{
			Name:        "Error Handling - Path",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "Get-Item '/nonexistent/path/12345'"},
			ExpectError: true,
			Description: "Should produce an error for non-existent path",
		},
		{
			Name:        "Error Handling - Throw",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "throw 'Test error from Go client'"},
			ExpectError: true,
			Description: "Explicit throw should cause the pipeline to end in Failed state",
		},
		{
			Name:        "Environment Variable",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "$env:HOME"},
			Description: "Access environment variable",
		},
		{
			Name:        "Force Switch",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "Get-ChildItem $env:HOME -Force | Select-Object -First 3 -Property Name"},
			Description: "Command using -Force switch",
		},
		{
			Name:        "Array Processing",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "@(1, 2, 3) | ForEach-Object { $_ * 2 }"},
			Description: "Process array and transform values",
		},
		{
			Name:        "JSON Output",
			Command:     "Invoke-Expression",
			Parameters:  map[string]interface{}{"Command": "@{Status='OK'; Count=42} | ConvertTo-Json"},
			Description: "Convert hashtable to JSON string",
		},
	}

	passed, failed := 0, 0
	for _, tc := range testCases {
		if ok, _, _ := runTest(ctx, h, tc); ok {
			passed++
		} else {
			failed++
		}
	}

	fmt.Println("\nCONCURRENT PIPELINE TEST")
	if runConcurrentTest(ctx, h) {
		passed++
	} else {
		failed++
	}

	total := passed + failed
	fmt.Printf("\nTEST SUMMARY\n   Total: %d   Passed: %d   Failed: %d\n", total, passed, failed)
	if failed == 0 {
		fmt.Println("ALL TESTS PASSED")
	} else {
		fmt.Printf("%d test(s) failed\n", failed)
	}

	log.Println("Closing RunspacePool...")
	if err := pool.Close(); err == nil {
		_ = h.pumpUntil(ctx, time.Now().Add(5*time.Second), func() bool {
			return pool.State() == runspace.StateClosed
		})
	}
	_ = driver.Close()
	log.Println("Test suite finished.")
}
