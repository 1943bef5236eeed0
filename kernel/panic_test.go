package kernel

import (
	"bytes"
	"testing"

	"github.com/ferrumos/ferrumos/kernel/cpu"
	"github.com/ferrumos/ferrumos/kernel/hal"
)

// recordingTerminal captures everything written to it so tests can assert on
// early.Printf output without a real console/serial driver attached.
type recordingTerminal struct {
	buf bytes.Buffer
}

func (t *recordingTerminal) Write(p []byte) (int, error) { return t.buf.Write(p) }
func (t *recordingTerminal) WriteByte(c byte) error      { return t.buf.WriteByte(c) }

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		hal.ActiveTerminal = hal.NullTerminal{}
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		term := &recordingTerminal{}
		hal.ActiveTerminal = term
		err := &Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------"
		if got := term.buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		term := &recordingTerminal{}
		hal.ActiveTerminal = term

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------"
		if got := term.buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}
