package web

import (
	"encoding/json"
	"testing"
	"time"
)

// recv waits for one event on ch and decodes it.
func recv(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast(LevelLive, "rotated")

	evt := recv(t, ch)
	if evt.Msg != "rotated" || evt.Level != LevelLive {
		t.Errorf("event = %+v, want live/rotated", evt)
	}
	if _, err := time.Parse(time.RFC3339, evt.Time); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", evt.Time, err)
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.BroadcastMsg("servo fallback")

	for i, ch := range []<-chan string{ch1, ch2} {
		if evt := recv(t, ch); evt.Msg != "servo fallback" || evt.Level != LevelInfo {
			t.Errorf("subscriber %d: event = %+v", i, evt)
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	// Broadcasting with no subscriber left must not panic
	b.Broadcast(LevelInfo, "after unsub")
}

func TestBroadcaster_SlowClientDropsMessages(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < cap(ch)+10; i++ {
		b.Broadcast(LevelDebug, "step")
	}

	if n := len(ch); n != cap(ch) {
		t.Errorf("buffered = %d, want %d", n, cap(ch))
	}
}

func TestBroadcaster_Clients(t *testing.T) {
	b := NewStatusBroadcaster()
	if n := b.Clients(); n != 0 {
		t.Fatalf("clients = %d, want 0", n)
	}
	_, unsub1 := b.Subscribe()
	_, unsub2 := b.Subscribe()
	if n := b.Clients(); n != 2 {
		t.Errorf("clients = %d, want 2", n)
	}
	unsub1()
	unsub2()
	if n := b.Clients(); n != 0 {
		t.Errorf("clients = %d, want 0 after unsubscribe", n)
	}
}

func TestBroadcastWriter_Write(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	line := "  [switcher] [INFO] Stepper left: connected  \n"
	n, err := BroadcastWriter(b).Write([]byte(line))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len(line) {
		t.Errorf("n = %d, want %d", n, len(line))
	}
	if evt := recv(t, ch); evt.Msg != "[switcher] [INFO] Stepper left: connected" {
		t.Errorf("msg = %q, want trimmed line", evt.Msg)
	}
}

func TestBroadcastWriter_BlankIgnored(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	BroadcastWriter(b).Write([]byte("   \n\n"))

	if n := len(ch); n != 0 {
		t.Errorf("events = %d, want 0 for blank input", n)
	}
}

func TestBroadcastWriter_MultiLine(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	BroadcastWriter(b).Write([]byte("first\n\nsecond\n"))

	if n := len(ch); n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
}

func TestBroadcastWriter_LevelFromTag(t *testing.T) {
	cases := []struct {
		name string
		line string
		want string
	}{
		{"info", "[switcher] 12:00:00 [INFO] Stepper left: connected", LevelInfo},
		{"error", "[switcher] 12:00:00 [ERROR] gpio write failed", LevelError},
		{"live", "[switcher] 12:00:00 [LIVE] Servo: switching direction=1 pulse=2000us", LevelLive},
		{"verbose", "[switcher] 12:00:00 [VERBOSE] Step 3: row 2", LevelDebug},
		{"gpio", "[switcher] 12:00:00 [GPIO] write pin=17 value=HIGH", LevelDebug},
		{"untagged", "plain text", LevelInfo},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewStatusBroadcaster()
			ch, unsub := b.Subscribe()
			defer unsub()

			BroadcastWriter(b).Write([]byte(tc.line + "\n"))

			if evt := recv(t, ch); evt.Level != tc.want {
				t.Errorf("level = %q, want %q", evt.Level, tc.want)
			}
		})
	}
}
