package torrent

import "testing"

func TestStreamParserSplitAcrossFeeds(t *testing.T) {
	have33 := Have{Index: 33}.Encode()
	have34 := Have{Index: 34}.Encode()

	p := NewStreamParser(nil)

	msgs, err := p.Feed(append(append([]byte{}, have33...), have34[:3]...))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after first feed, got %d", len(msgs))
	}
	if h, ok := msgs[0].(Have); !ok || h.Index != 33 {
		t.Fatalf("expected HAVE(33), got %#v", msgs[0])
	}

	msgs, err = p.Feed(have34[3:])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after second feed, got %d", len(msgs))
	}
	if h, ok := msgs[0].(Have); !ok || h.Index != 34 {
		t.Fatalf("expected HAVE(34), got %#v", msgs[0])
	}
}

func TestStreamParserArbitraryChunking(t *testing.T) {
	var stream []byte
	var want []Message
	for i := uint32(0); i < 20; i++ {
		m := Have{Index: i}
		stream = append(stream, m.Encode()...)
		want = append(want, m)
	}

	// Feed one byte at a time: the parser must still emit exactly the
	// same sequence of messages regardless of chunk boundaries.
	p := NewStreamParser(nil)
	var got []Message
	for i := range stream {
		msgs, err := p.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		got = append(got, msgs...)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: got %#v, want %#v", i, got[i], want[i])
		}
	}
}

func TestStreamParserSeedWithHandshakeTail(t *testing.T) {
	tail := Choke{}.Encode()[:2]
	p := NewStreamParser(tail)
	msgs, err := p.Feed(Choke{}.Encode()[2:])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if _, ok := msgs[0].(Choke); !ok {
		t.Fatalf("expected Choke, got %#v", msgs[0])
	}
}
