package handshake_test

import (
	"bytes"
	"net"
	"testing"

	"github.com/sqlabs/cubesql-go/cryptutil"
	"github.com/sqlabs/cubesql-go/handshake"
	"github.com/sqlabs/cubesql-go/wire"
)

func TestCleartextFlowSucceeds(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	const password = "secret"
	challenge := bytes.Repeat([]byte{0x09}, cryptutil.DigestSize)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := wire.ReadHeaderAndPayload(server); err != nil {
			t.Errorf("server: read phase1: %v", err)
			return
		}
		if err := wire.WriteRequest(server, wire.Header{Command: wire.CommandConnect}, challenge, nil); err != nil {
			t.Errorf("server: write challenge: %v", err)
			return
		}

		_, payload, err := wire.ReadHeaderAndPayload(server)
		if err != nil {
			t.Errorf("server: read phase2: %v", err)
			return
		}
		fields, err := wire.DecodeFields(payload, 1)
		if err != nil {
			t.Errorf("server: decode phase2 fields: %v", err)
			return
		}
		want := cryptutil.ChallengeResponse(challenge, password)
		if !bytes.Equal(fields[0], want) {
			t.Errorf("got response %x, want %x", fields[0], want)
		}
		if err := wire.WriteRequest(server, wire.Header{Command: wire.CommandConnect}, nil, nil); err != nil {
			t.Errorf("server: write ack: %v", err)
		}
	}()

	result, err := handshake.Authenticate(client, handshake.Options{
		Username:   "alice",
		Password:   password,
		Encryption: wire.EncryptionNone,
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.Session != nil {
		t.Fatal("cleartext flow must not establish a session key")
	}
	<-done
}

func TestCleartextFlowRejectsServerError(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := wire.ReadHeaderAndPayload(server); err != nil {
			t.Errorf("server: read phase1: %v", err)
			return
		}
		if err := wire.WriteRequest(server, wire.Header{Command: wire.CommandConnect, ErrorCode: 1}, []byte("bad user"), nil); err != nil {
			t.Errorf("server: write error: %v", err)
		}
	}()

	if _, err := handshake.Authenticate(client, handshake.Options{
		Username:   "ghost",
		Password:   "secret",
		Encryption: wire.EncryptionNone,
	}); err == nil {
		t.Fatal("expected an error when the server rejects phase 1 with a non-challenge error reply")
	}
	<-done
}

func TestEncryptedFlowDerivesMatchingSessionKey(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	const password = "secret"
	y, err := cryptutil.RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce: %v", err)
	}

	var serverKey []byte
	done := make(chan struct{})
	go func() {
		defer close(done)

		hhp := cryptutil.PasswordProof(password)
		phase1Session, err := cryptutil.NewSession(hhp[:16])
		if err != nil {
			t.Errorf("server: build phase1 session: %v", err)
			return
		}

		_, payload, err := wire.ReadHeaderAndPayload(server)
		if err != nil {
			t.Errorf("server: read phase1: %v", err)
			return
		}
		fields, err := wire.DecodeFields(payload, 2)
		if err != nil {
			t.Errorf("server: decode phase1 fields: %v", err)
			return
		}
		decoded, err := phase1Session.Decrypt(fields[1])
		if err != nil {
			t.Errorf("server: decrypt phase1 nonce: %v", err)
			return
		}
		x := decoded[:cryptutil.DigestSize]
		hx := decoded[cryptutil.DigestSize:]
		if !bytes.Equal(cryptutil.H(x), hx) {
			t.Errorf("server: client nonce hash mismatch")
			return
		}

		hy := cryptutil.H(y)
		reply, err := phase1Session.Encrypt(append(append([]byte{}, y...), hy...))
		if err != nil {
			t.Errorf("server: encrypt phase1.5 reply: %v", err)
			return
		}
		if err := wire.WriteRequest(server, wire.Header{Command: wire.CommandConnect}, reply, nil); err != nil {
			t.Errorf("server: write phase1.5 reply: %v", err)
			return
		}

		serverKey, err = cryptutil.DeriveSessionKey(password, x, y, 16)
		if err != nil {
			t.Errorf("server: derive session key: %v", err)
			return
		}

		if _, _, err := wire.ReadHeaderAndPayload(server); err != nil {
			t.Errorf("server: read phase2: %v", err)
			return
		}
		if err := wire.WriteRequest(server, wire.Header{Command: wire.CommandConnect}, nil, nil); err != nil {
			t.Errorf("server: write ack: %v", err)
		}
	}()

	result, err := handshake.Authenticate(client, handshake.Options{
		Username:   "alice",
		Password:   password,
		Encryption: wire.EncryptionAES128,
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.Session == nil {
		t.Fatal("encrypted flow must establish a session key")
	}
	<-done

	clientCipher, err := result.Session.Encrypt([]byte("probe"))
	if err != nil {
		t.Fatalf("client session Encrypt: %v", err)
	}
	serverSession, err := cryptutil.NewSession(serverKey)
	if err != nil {
		t.Fatalf("NewSession(serverKey): %v", err)
	}
	decoded, err := serverSession.Decrypt(clientCipher)
	if err != nil {
		t.Fatalf("server session Decrypt: %v", err)
	}
	if string(decoded) != "probe" {
		t.Fatalf("got %q, want %q: client and server derived different session keys", decoded, "probe")
	}
}
