package platform

import (
	"errors"
	"syscall"
	"testing"

	"ads7830-go/errcode"
)

func TestBus_PerTransactionOpensAndClosesEveryTx(t *testing.T) {
	h := NewHostI2C()
	h.SetResponse(0x84, 17)

	b, err := New("/dev/i2c-1", PerTransaction, h.Open)
	if err != nil {
		t.Fatal(err)
	}
	if o, _, _ := h.Stats(); o != 0 {
		t.Fatalf("per-transaction bus opened at construction (%d)", o)
	}

	buf := make([]byte, 1)
	for i := 0; i < 3; i++ {
		if err := b.Tx(0x4b, []byte{0x84}, buf); err != nil {
			t.Fatalf("Tx: %v", err)
		}
		o, c, _ := h.Stats()
		if o != c {
			t.Fatalf("handle outlived transaction: opens=%d closes=%d", o, c)
		}
	}
	if buf[0] != 17 {
		t.Fatalf("read %d, want 17", buf[0])
	}
	if o, c, n := h.Stats(); o != 3 || c != 3 || n != 3 {
		t.Fatalf("opens=%d closes=%d txs=%d, want 3/3/3", o, c, n)
	}
}

func TestBus_PerTransactionReleasesOnFailure(t *testing.T) {
	h := NewHostI2C()
	h.Fail(0x84, syscall.EIO)
	b, _ := New("/dev/i2c-1", PerTransaction, h.Open)

	err := b.Tx(0x4b, []byte{0x84}, make([]byte, 1))
	if !errors.Is(err, syscall.EIO) {
		t.Fatalf("err = %v, want EIO", err)
	}
	if errcode.Of(err) != errcode.BusError {
		t.Fatalf("code = %q, want bus_error", errcode.Of(err))
	}
	if o, c, _ := h.Stats(); o != 1 || c != 1 {
		t.Fatalf("opens=%d closes=%d, want 1/1", o, c)
	}
}

func TestBus_PerTransactionOpenFailure(t *testing.T) {
	h := NewHostI2C()
	h.FailOpen(syscall.ENOENT)
	b, _ := New("/dev/i2c-9", PerTransaction, h.Open)

	err := b.Tx(0x4b, []byte{0x84}, make([]byte, 1))
	if !errors.Is(err, syscall.ENOENT) || errcode.Of(err) != errcode.BusError {
		t.Fatalf("err = %v", err)
	}
	if _, _, n := h.Stats(); n != 0 {
		t.Fatal("transfer attempted without a handle")
	}
}

func TestBus_ExclusiveHoldsOneHandle(t *testing.T) {
	h := NewHostI2C()
	b, err := New("/dev/i2c-1", Exclusive, h.Open)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		_ = b.Tx(0x4b, []byte{0x84}, make([]byte, 1))
	}
	if o, c, n := h.Stats(); o != 1 || c != 0 || n != 5 {
		t.Fatalf("opens=%d closes=%d txs=%d, want 1/0/5", o, c, n)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, c, _ := h.Stats(); c != 1 {
		t.Fatalf("Close did not release handle (closes=%d)", c)
	}
	if err := b.Tx(0x4b, []byte{0x84}, make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Tx after Close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal("second Close must be a no-op")
	}
}

func TestBus_ExclusiveOpenFailureIsReported(t *testing.T) {
	h := NewHostI2C()
	h.FailOpen(syscall.EACCES)
	if _, err := New("/dev/i2c-1", Exclusive, h.Open); !errors.Is(err, syscall.EACCES) {
		t.Fatalf("err = %v, want EACCES", err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Config{Device: "/dev/i2c-1", Backend: "spi"})
	if errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("err = %v", err)
	}
}

func TestModeString(t *testing.T) {
	if Exclusive.String() != "exclusive" || PerTransaction.String() != "per-transaction" {
		t.Fatal("mode names changed")
	}
}
