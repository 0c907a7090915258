package store

import (
	"bytes"
	"testing"
)

// TestEncryptDecryptRoundTrip covers the round-trip law, including empty and
// unicode-bearing plaintexts.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("round-trip-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	cases := [][]byte{
		[]byte(""),
		[]byte("hello"),
		[]byte("héllo wörld — 日本語 🤖"),
		bytes.Repeat([]byte{0x00, 0xff}, 1024),
	}
	for _, plaintext := range cases {
		ct, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		if bytes.Contains(ct, plaintext) && len(plaintext) > 4 {
			t.Fatalf("ciphertext contains plaintext %q", plaintext)
		}
		got, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip: got %q, want %q", got, plaintext)
		}
	}
}

// TestDecryptRejectsTamper verifies GCM authentication.
func TestDecryptRejectsTamper(t *testing.T) {
	c, _ := NewCipher("tamper-secret")
	ct, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0x01
	if _, err := c.Decrypt(ct); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
}

// TestDecryptRejectsShortInput verifies truncated ciphertext fails cleanly.
func TestDecryptRejectsShortInput(t *testing.T) {
	c, _ := NewCipher("short-secret")
	if _, err := c.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected short ciphertext to fail")
	}
}

// TestEmptySecretRejected verifies the cipher refuses an empty key.
func TestEmptySecretRejected(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Fatal("expected empty secret to be rejected")
	}
}

// TestMessageStoredEncrypted verifies message content round-trips through the
// store and that the raw row does not contain the plaintext.
func TestMessageStoredEncrypted(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	p := newTestProject(t, s)

	conv := &Conversation{ProjectID: p.ID}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg := &Message{
		ProjectID:      p.ID,
		ConversationID: conv.ID,
		Role:           "user",
		Content:        "the secret plan",
	}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	var raw []byte
	if err := s.db.QueryRow(`SELECT content FROM messages WHERE id = ?`, msg.ID).Scan(&raw); err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if bytes.Contains(raw, []byte("secret plan")) {
		t.Fatal("message stored in the clear")
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "the secret plan" {
		t.Fatalf("got %+v", msgs)
	}
}
