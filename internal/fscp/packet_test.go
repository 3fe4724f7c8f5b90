package fscp_test

import (
	"bytes"
	"testing"

	"github.com/freelan-go/freelan/internal/fscp"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("hello world")
	buf := make([]byte, fscp.HeaderSize+len(payload))
	n, err := fscp.Marshal(fscp.TypeHelloRequest, payload, buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	msg, consumed, err := fscp.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if consumed != n {
		t.Errorf("consumed = %d, want %d", consumed, n)
	}
	if msg.Header.Type != fscp.TypeHelloRequest {
		t.Errorf("Type = %v, want HELLO_REQUEST", msg.Header.Type)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Errorf("Payload = %q, want %q", msg.Payload, payload)
	}
}

func TestUnmarshalTooShort(t *testing.T) {
	t.Parallel()
	_, _, err := fscp.Unmarshal([]byte{0x02, 0x00})
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestUnmarshalLengthMismatch(t *testing.T) {
	t.Parallel()
	buf := []byte{fscp.Version, byte(fscp.TypeHelloRequest), 0x00, 0x10} // claims 16 bytes, has 0
	_, _, err := fscp.Unmarshal(buf)
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestDataTypeRoundTrip(t *testing.T) {
	t.Parallel()
	for ch := range uint8(8) {
		typ := fscp.DataType(ch)
		gotCh, ok := typ.IsData()
		if !ok {
			t.Fatalf("channel %d: IsData() = false", ch)
		}
		if gotCh != ch {
			t.Errorf("channel %d: IsData() returned %d", ch, gotCh)
		}
	}
	if _, ok := fscp.TypeHelloRequest.IsData(); ok {
		t.Error("HELLO_REQUEST should not report as a data channel")
	}
}

func TestSessionRequestPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	p := fscp.SessionRequestPayload{
		CipherSuites:   []uint8{0x00, 0x01},
		EllipticCurves: []uint8{0x00, 0x01, 0x02},
		PublicKey:      bytes.Repeat([]byte{0xCD}, 32),
		Signature:      []byte("sig-bytes"),
	}
	buf := make([]byte, 256)
	n, err := fscp.MarshalSessionRequest(p, buf)
	if err != nil {
		t.Fatalf("MarshalSessionRequest: %v", err)
	}
	got, err := fscp.UnmarshalSessionRequest(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalSessionRequest: %v", err)
	}
	if !bytes.Equal(got.CipherSuites, p.CipherSuites) {
		t.Errorf("CipherSuites = %v, want %v", got.CipherSuites, p.CipherSuites)
	}
	if !bytes.Equal(got.EllipticCurves, p.EllipticCurves) {
		t.Errorf("EllipticCurves = %v, want %v", got.EllipticCurves, p.EllipticCurves)
	}
	if !bytes.Equal(got.PublicKey, p.PublicKey) {
		t.Errorf("PublicKey mismatch")
	}
	if !bytes.Equal(got.Signature, p.Signature) {
		t.Errorf("Signature = %q, want %q", got.Signature, p.Signature)
	}
}

func TestSessionPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	p := fscp.SessionPayload{
		SessionIndex:  42,
		CipherSuite:   uint8(fscp.CipherSuiteEd25519ChaCha20Poly1305),
		EllipticCurve: uint8(fscp.CurveX25519),
		PublicKey:     bytes.Repeat([]byte{0xAB}, 32),
		Signature:     []byte("sig"),
	}
	buf := make([]byte, 256)
	n, err := fscp.MarshalSession(p, buf)
	if err != nil {
		t.Fatalf("MarshalSession: %v", err)
	}
	got, err := fscp.UnmarshalSession(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalSession: %v", err)
	}
	if got.SessionIndex != p.SessionIndex {
		t.Errorf("SessionIndex = %d, want %d", got.SessionIndex, p.SessionIndex)
	}
	if !bytes.Equal(got.PublicKey, p.PublicKey) {
		t.Errorf("PublicKey mismatch")
	}
}

func TestContactHashesRoundTrip(t *testing.T) {
	t.Parallel()
	hashes := [][32]byte{{0x01}, {0x02}, {0x03}}
	buf := make([]byte, 256)
	n, err := fscp.MarshalContactHashes(hashes, buf)
	if err != nil {
		t.Fatalf("MarshalContactHashes: %v", err)
	}
	got, err := fscp.UnmarshalContactHashes(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalContactHashes: %v", err)
	}
	if len(got) != len(hashes) {
		t.Fatalf("got %d hashes, want %d", len(got), len(hashes))
	}
	for i := range hashes {
		if got[i] != hashes[i] {
			t.Errorf("hash %d = %v, want %v", i, got[i], hashes[i])
		}
	}
}

func TestContactRecordsRoundTrip(t *testing.T) {
	t.Parallel()
	records := []fscp.ContactRecord{
		{Hash: [32]byte{0x11}, Family: 4, Addr: []byte{10, 0, 0, 1}, Port: 1234},
		{Hash: [32]byte{0x22}, Family: 6, Addr: bytes.Repeat([]byte{0x01}, 16), Port: 5678},
	}
	buf := make([]byte, 256)
	n, err := fscp.MarshalContactRecords(records, buf)
	if err != nil {
		t.Fatalf("MarshalContactRecords: %v", err)
	}
	got, err := fscp.UnmarshalContactRecords(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalContactRecords: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i].Port != records[i].Port || got[i].Family != records[i].Family {
			t.Errorf("record %d mismatch: %+v vs %+v", i, got[i], records[i])
		}
		if !bytes.Equal(got[i].Addr, records[i].Addr) {
			t.Errorf("record %d addr mismatch: %v vs %v", i, got[i].Addr, records[i].Addr)
		}
	}
}

func TestContactRecordUnsupportedFamily(t *testing.T) {
	t.Parallel()
	records := []fscp.ContactRecord{{Family: 9}}
	buf := make([]byte, 64)
	if _, err := fscp.MarshalContactRecords(records, buf); err == nil {
		t.Fatal("expected unsupported family error")
	}
}

func TestContactRecordAddrLengthMismatch(t *testing.T) {
	t.Parallel()
	// Family 4 expects a 4-byte Addr; a caller passing one of the wrong
	// length must get an error, not a panic from an invalid slice bound.
	records := []fscp.ContactRecord{{Family: 4, Addr: bytes.Repeat([]byte{0x01}, 16)}}
	buf := make([]byte, 64)
	if _, err := fscp.MarshalContactRecords(records, buf); err == nil {
		t.Fatal("expected an error for an Addr length that doesn't match Family")
	}
}
