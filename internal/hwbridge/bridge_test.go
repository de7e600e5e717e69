package hwbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-vault/internal/relay"
	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

const testPath = "m/44'/8888'/0'/0/0"

func testDriver(t *testing.T, approve func(Action, string) bool) (*KeyDriver, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	secret := key.Serialize()
	pub := key.PublicKey()
	return &KeyDriver{
		VendorID: types.VendorLedger,
		Key: func(string) (*crypto.PrivateKey, error) {
			return crypto.PrivateKeyFromBytes(secret)
		},
		Approve: approve,
	}, pub
}

// connect wires a bridge to an approval UI over an in-memory port pair.
func connect(t *testing.T, b *Bridge, drivers ...Driver) (engine, ui relay.Port) {
	t.Helper()
	engine, ui = relay.Pipe("engine", "ui")
	em := relay.Attach(relay.ContextEngine, engine)
	detach := b.Attach(em)
	engine.OnDisconnect(detach)

	um := relay.Attach(relay.ContextApproval, ui)
	NewResponder(drivers...).Register(um)

	t.Cleanup(func() {
		em.Close()
		um.Close()
		engine.Close()
	})
	return engine, ui
}

func TestBridge_SignMessage(t *testing.T) {
	b := New()
	d, pub := testDriver(t, nil)
	connect(t, b, d)

	payload := json.RawMessage(`"0x68656c6c6f"`)
	req := Request{ID: "r1", Action: ActionSignMessage, Vendor: types.VendorLedger, Path: testPath, Payload: payload}
	sig, err := b.Sign(context.Background(), req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	digest, _ := Digest(ActionSignMessage, payload)
	if !crypto.Verify(digest, sig, pub) {
		t.Fatal("signature does not verify against the shared digest")
	}
	if s, _ := b.Status("r1"); s != StatusSigned {
		t.Errorf("status = %v, want signed", s)
	}
}

func TestBridge_SignTypedDataAndTransaction(t *testing.T) {
	b := New()
	d, pub := testDriver(t, nil)
	connect(t, b, d)

	cases := []struct {
		action  Action
		payload string
	}{
		{ActionSignTypedData, `{"domain":{"name":"app"},"message":{"amount":1}}`},
		{ActionSignTransaction, `{"to":"0x00","value":"0x1"}`},
	}
	for _, tc := range cases {
		req := Request{Action: tc.action, Vendor: types.VendorLedger, Path: testPath, Payload: json.RawMessage(tc.payload)}
		sig, err := b.Sign(context.Background(), req)
		if err != nil {
			t.Fatalf("%s: %v", tc.action, err)
		}
		digest, err := Digest(tc.action, req.Payload)
		if err != nil {
			t.Fatalf("Digest: %v", err)
		}
		if !crypto.Verify(digest, sig, pub) {
			t.Errorf("%s: signature does not verify", tc.action)
		}
	}
}

func TestBridge_DeviceRejected(t *testing.T) {
	b := New()
	d, _ := testDriver(t, func(Action, string) bool { return false })
	connect(t, b, d)

	req := Request{ID: "r2", Action: ActionSignMessage, Vendor: types.VendorLedger, Path: testPath, Payload: json.RawMessage(`"hi"`)}
	_, err := b.Sign(context.Background(), req)
	var rej *DeviceRejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected DeviceRejectedError, got %v", err)
	}
	if rej.Reason != ErrUserRejected.Error() {
		t.Errorf("reason = %q", rej.Reason)
	}
	if s, _ := b.Status("r2"); s != StatusRejected {
		t.Errorf("status = %v", s)
	}
}

func TestBridge_MissingDriver(t *testing.T) {
	b := New()
	d, _ := testDriver(t, nil)
	connect(t, b, d)

	req := Request{Action: ActionSignMessage, Vendor: types.VendorTrezor, Path: testPath, Payload: json.RawMessage(`"hi"`)}
	_, err := b.Sign(context.Background(), req)
	var rej *DeviceRejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected DeviceRejectedError, got %v", err)
	}
}

func TestBridge_NoUI(t *testing.T) {
	b := New()
	req := Request{ID: "r3", Action: ActionSignMessage, Vendor: types.VendorLedger, Path: testPath, Payload: json.RawMessage(`"hi"`)}
	if _, err := b.Sign(context.Background(), req); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
	if s, _ := b.Status("r3"); s != StatusAbandoned {
		t.Errorf("status = %v", s)
	}
}

func TestBridge_InvalidRequest(t *testing.T) {
	b := New()
	bad := []Request{
		{Action: "wipeDevice", Vendor: types.VendorLedger, Path: testPath, Payload: json.RawMessage(`1`)},
		{Action: ActionSignMessage, Vendor: types.VendorNone, Path: testPath, Payload: json.RawMessage(`1`)},
		{Action: ActionSignMessage, Vendor: types.VendorLedger, Payload: json.RawMessage(`1`)},
	}
	for _, req := range bad {
		if _, err := b.Sign(context.Background(), req); err == nil {
			t.Errorf("Sign(%+v) should fail", req)
		}
	}
}

func TestBridge_AbandonedOnDisconnectIgnoresLateResponse(t *testing.T) {
	b := New()
	engine, ui := relay.Pipe("engine", "ui")
	em := relay.Attach(relay.ContextEngine, engine)
	defer em.Close()
	engine.OnDisconnect(b.Attach(em))

	// A UI that records requests instead of answering them.
	reqs := make(chan relay.Message, 1)
	ui.Receive(func(msg relay.Message) { reqs <- msg })

	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		req := Request{ID: "r4", Action: ActionSignMessage, Vendor: types.VendorLedger, Path: testPath, Payload: json.RawMessage(`"hi"`)}
		sig, err := b.Sign(context.Background(), req)
		done <- result{sig, err}
	}()

	msg := <-reqs
	ui.Close()

	select {
	case r := <-done:
		if !errors.Is(r.err, ErrAbandoned) {
			t.Fatalf("expected ErrAbandoned, got %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request left pending after disconnect")
	}
	if b.Attached() {
		t.Error("bridge still attached after disconnect")
	}

	// The stale answer arrives anyway.
	late, _ := json.Marshal(Response{ID: "r4", Signature: "0x01"})
	em.Deliver(relay.Message{Kind: relay.KindReply, Topic: msg.Topic, ID: msg.ID, Payload: late})
	if s, _ := b.Status("r4"); s != StatusAbandoned {
		t.Errorf("status after late response = %v, want abandoned", s)
	}
}

func TestBridge_MalformedResponse(t *testing.T) {
	cases := map[string]any{
		"wrong id":      Response{ID: "other", Signature: "0x01"},
		"bad signature": Response{ID: "r5", Signature: "zz"},
		"wrong shape":   []int{1, 2},
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			b := New()
			engine, ui := relay.Pipe("engine", "ui")
			em := relay.Attach(relay.ContextEngine, engine)
			defer em.Close()
			b.Attach(em)
			um := relay.Attach(relay.ContextApproval, ui)
			defer um.Close()
			um.Reply(TopicSign, func(context.Context, relay.Message) (any, error) {
				return reply, nil
			})

			req := Request{ID: "r5", Action: ActionSignMessage, Vendor: types.VendorLedger, Path: testPath, Payload: json.RawMessage(`"hi"`)}
			_, err := b.Sign(context.Background(), req)
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("expected ErrProtocol, got %v", err)
			}
			if s, _ := b.Status("r5"); s != StatusFailed {
				t.Errorf("status = %v", s)
			}
		})
	}
}

func TestBridge_LatestUIWins(t *testing.T) {
	b := New()
	d1, _ := testDriver(t, func(Action, string) bool { return false })
	d2, pub := testDriver(t, nil)
	connect(t, b, d1)
	connect(t, b, d2)

	payload := json.RawMessage(`"hi"`)
	sig, err := b.Sign(context.Background(), Request{Action: ActionSignMessage, Vendor: types.VendorLedger, Path: testPath, Payload: payload})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	digest, _ := Digest(ActionSignMessage, payload)
	if !crypto.Verify(digest, sig, pub) {
		t.Fatal("request did not go to the most recent UI")
	}
}

func TestDigest_MessageEncodings(t *testing.T) {
	hexed, _ := Digest(ActionSignMessage, json.RawMessage(`"0x6869"`))
	plain, _ := Digest(ActionSignMessage, json.RawMessage(`"hi"`))
	if hexed != plain {
		t.Error("hex and text encodings of the same message hash differently")
	}
	if _, err := Digest(ActionSignTypedData, json.RawMessage(`{"domain":{}}`)); err == nil {
		t.Error("typed data without message should fail")
	}
}
