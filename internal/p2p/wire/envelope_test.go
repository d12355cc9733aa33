package wire

import (
	"bytes"
	"errors"
	"testing"
)

func mustID(t *testing.T, b byte) PeerID {
	t.Helper()
	var id PeerID
	id[0] = b
	id[31] = b
	return id
}

func TestEnvelope_Announce(t *testing.T) {
	id := mustID(t, 7)
	b, err := Marshal(NewAnnounce(id, "/memory/n7"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Peer == nil || env.Peer.Announce == nil {
		t.Fatalf("want announce, got %+v", env)
	}
	if env.Peer.Announce.ID != id || env.Peer.Announce.Addr != "/memory/n7" {
		t.Fatalf("announce mismatch: %+v", env.Peer.Announce)
	}
}

func TestEnvelope_DeterministicEncoding(t *testing.T) {
	members := Membership(map[PeerID]PeerAddress{
		mustID(t, 3): "c",
		mustID(t, 1): "a",
		mustID(t, 2): "b",
	})
	a, err := Marshal(NewDiscoverReply(&KeySet{Threshold: 2, Commitments: [][]byte{{1}, {2}}}, members))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, _ := Marshal(NewDiscoverReply(&KeySet{Threshold: 2, Commitments: [][]byte{{1}, {2}}}, members))
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding not deterministic")
	}
	env, err := Unmarshal(a)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := env.Request.Reply.Discover
	if got.KeySet == nil || got.KeySet.Threshold != 2 || len(got.Members) != 3 {
		t.Fatalf("discover reply mismatch: %+v", got)
	}
	if got.Members[0].Addr != "a" || got.Members[2].Addr != "c" {
		t.Fatalf("members not ordered by id: %+v", got.Members)
	}
}

func TestEnvelope_DiscoverReplyWithoutKeys(t *testing.T) {
	b, err := Marshal(NewDiscoverReply(nil, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Request.Reply.Discover.KeySet != nil {
		t.Fatalf("key set must be absent")
	}
}

func TestEnvelope_ApplyError(t *testing.T) {
	b, err := Marshal(NewApplyError(NotReady()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	re := env.Request.Reply.Apply.Err
	if re == nil || re.Code != CodeNotReady {
		t.Fatalf("want not_ready, got %+v", re)
	}
}

func TestEnvelope_RejectsBadUnions(t *testing.T) {
	cases := map[string]Envelope{
		"empty":        {},
		"both":         {Peer: &PeerMsg{}, Request: &RequestMsg{}},
		"peer-empty":   {Peer: &PeerMsg{}},
		"announce-nil": NewAnnounce(PeerID{}, "x"),
		"relay-empty":  NewDkgRelay(mustID(t, 1), nil),
		"req-empty":    {Request: &RequestMsg{Request: &ClientRequest{}}},
	}
	for name, env := range cases {
		if _, err := Marshal(env); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: want ErrMalformed, got %v", name, err)
		}
	}
}

func TestUnmarshal_Garbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0x00, 0x13}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestUnmarshal_UnknownFieldRejected(t *testing.T) {
	// {1: {1: {1: h'..', 2: "a"}}, 9: 0}
	type extra struct {
		Peer *PeerMsg `cbor:"1,keyasint"`
		X    int      `cbor:"9,keyasint"`
	}
	b, err := Encode(extra{Peer: NewAnnounce(mustID(t, 1), "a").Peer})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Unmarshal(b); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed for unknown field, got %v", err)
	}
}

func TestDKGMessage_Validate(t *testing.T) {
	d := DKGMessage{Type: DKGDeal, Dealer: mustID(t, 1), Commitments: [][]byte{{1}}, Share: []byte{2}}
	b, err := EncodeDKG(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeDKG(b)
	if err != nil || got.Type != DKGDeal || got.Dealer != d.Dealer {
		t.Fatalf("decode: %+v %v", got, err)
	}
	if _, err := EncodeDKG(DKGMessage{Type: DKGAck, Dealer: mustID(t, 1)}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("ack without from must fail, got %v", err)
	}
	if _, err := EncodeDKG(DKGMessage{Type: "complaint"}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("unknown type must fail, got %v", err)
	}
}

func TestPeerID_ParseRoundTrip(t *testing.T) {
	id, err := NewPeerID(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	back, err := ParsePeerID(id.String())
	if err != nil || back != id {
		t.Fatalf("parse: %v %v", back, err)
	}
	if _, err := ParsePeerID("zz"); !errors.Is(err, ErrBadPeerID) {
		t.Fatalf("want ErrBadPeerID")
	}
}
