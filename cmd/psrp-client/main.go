// Command psrp-client drives a real pwsh -SSHServerMode child process over
// the OutOfProcess transport, running one pipeline end to end. It exists as
// a manual smoke test for the runspace/pipeline/outofproc packages: unlike
// the psrp package's blocking facade (built for a raw byte-stream
// transport), OutOfProcess multiplexes session and pipeline traffic onto
// separate GUID channels, so this driver pumps the sans-I/O core directly.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/host"
	"github.com/smnsjas/psrpcore-go/objects"
	"github.com/smnsjas/psrpcore-go/outofproc"
	"github.com/smnsjas/psrpcore-go/pipeline"
	"github.com/smnsjas/psrpcore-go/runspace"
	"github.com/smnsjas/psrpcore-go/serialization"
)

func isPipelineTerminal(s pipeline.State) bool {
	switch s {
	case pipeline.StateCompleted, pipeline.StateFailed, pipeline.StateStopped:
		return true
	default:
		return false
	}
}

// processPipes holds the stdin/stdout of a child process.
type processPipes struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *processPipes) Close() error {
	_ = p.stdin.Close()
	_ = p.stdout.Close()
	return p.cmd.Wait()
}

func startProcess(command string, args ...string) (*processPipes, error) {
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
	return &processPipes{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// pumpUntil flushes queued bytes and reads packets until pred returns true
// or the deadline elapses. Reads happen on the calling goroutine, which is
// fine for a single-command demo driver; a long-lived client would read on
// its own goroutine the way psrp.Client's readLoop does.
func pumpUntil(ctx context.Context, driver *outofproc.Driver, deadline time.Time, pred func() bool) error {
	for {
		if err := driver.Flush(); err != nil {
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
		if _, err := driver.PumpOnce(); err != nil {
			return fmt.Errorf("pump: %w", err)
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log.Println("Starting pwsh -SSHServerMode process...")
	pipes, err := startProcess("/usr/local/bin/pwsh", "-SSHServerMode", "-NoLogo", "-NoProfile")
	if err != nil {
		log.Fatalf("Failed to start pwsh: %v", err)
	}
	defer pipes.Close()

	transport := outofproc.NewTransport(pipes.stdout, pipes.stdin)
	pool := runspace.New(uuid.New())
	driver := outofproc.NewDriver(transport, pool)
	_ = pool.SetHost(host.NewNullHost())

	log.Println("Opening RunspacePool...")
	if err := pool.Open(); err != nil {
		log.Fatalf("RunspacePool Open failed: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	if err := pumpUntil(ctx, driver, deadline, func() bool {
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
	if err := pumpUntil(ctx, driver, time.Now().Add(15*time.Second), func() bool {
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

	log.Println("Executing 'Get-Date' via pipeline...")
	pl, err := pool.CreatePipelineBuilder()
	if err != nil {
		log.Fatalf("CreatePipelineBuilder failed: %v", err)
	}
	pl.AddCommand("Get-Date", false)
	if err := pl.Invoke(); err != nil {
		log.Fatalf("Invoke failed: %v", err)
	}

	done := false
	deadline = time.Now().Add(15 * time.Second)
	drain := func() bool {
		for {
			ev, ok := pool.NextEvent()
			if !ok {
				break
			}
			switch ev.Kind {
			case runspace.EventPipelineOutput:
				values, derr := serialization.DeserializeCLIXMLWithProvider(string(ev.Data), pool.CryptoProvider())
				if derr != nil {
					log.Printf("output decode error: %v", derr)
					continue
				}
				for _, v := range values {
					log.Printf("PIPELINE OUTPUT: %s", describeValue(v))
				}
			case runspace.EventPipelineErrorRecord:
				log.Printf("PIPELINE ERROR: %s", ev.Data)
			case runspace.EventPipelineStateChanged:
				log.Printf("PIPELINE STATE: %v", ev.PipelineState)
				if isPipelineTerminal(ev.PipelineState) {
					done = true
				}
			case runspace.EventDiagnostic:
				log.Printf("DIAGNOSTIC: %v", ev.Err)
			}
		}
		return done
	}
	if err := pumpUntil(ctx, driver, deadline, drain); err != nil {
		log.Printf("pipeline wait: %v", err)
	}
	if plErr := pl.Err(); plErr != nil {
		log.Printf("pipeline error: %v", plErr)
	}

	log.Println("Closing RunspacePool...")
	if err := pool.Close(); err == nil {
		_ = pumpUntil(ctx, driver, time.Now().Add(5*time.Second), func() bool {
			return pool.State() == runspace.StateClosed
		})
	}
	_ = driver.Close()
	log.Println("Client finished.")
}

func describeValue(v objects.Value) string {
	if v.Kind == objects.KindString {
		return v.Str
	}
	return fmt.Sprintf("%+v", v)
}
