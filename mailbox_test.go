package main

import (
	"errors"
	"testing"
	"time"
)

func TestMailboxFIFO(t *testing.T) {
	m := NewMailbox[int](4)
	for i := 0; i < 4; i++ {
		if err := m.Send(i); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if m.Len() != 4 {
		t.Errorf("Len = %d, want 4", m.Len())
	}
	for i := 0; i < 4; i++ {
		if got := <-m.C(); got != i {
			t.Errorf("got %d, want %d", got, i)
		}
	}
}

func TestMailboxSendAfterClose(t *testing.T) {
	m := NewMailbox[int](4)
	m.Close()
	m.Close()
	if err := m.Send(1); !errors.Is(err, ErrMailboxClosed) {
		t.Errorf("Send after close = %v, want ErrMailboxClosed", err)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestMailboxCloseUnblocksSender(t *testing.T) {
	m := NewMailbox[int](1)
	if err := m.Send(1); err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 1)
	go func() { result <- m.Send(2) }()

	select {
	case err := <-result:
		t.Fatalf("Send on a full mailbox returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	m.Close()
	select {
	case err := <-result:
		if !errors.Is(err, ErrMailboxClosed) {
			t.Errorf("blocked Send = %v, want ErrMailboxClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the sender")
	}
}
