package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tilesync.dev/internal/protocol"
)

func TestSchemas_ValidateEncodedMessages(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		b, err := protocol.Encode(msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	payload := protocol.ActionPayload{Kind: "place_sign", Tile: 130, Text: "north depot", Company: 1}

	validate(compile("join.schema.json"), protocol.JoinRequestMsg{
		Type: protocol.TypeJoinRequest, ProtocolVersion: protocol.Version, Name: "alice", PlayAs: protocol.PlayAsNewCompany,
	})
	validate(compile("submit_action.schema.json"), protocol.SubmitActionMsg{
		Type: protocol.TypeSubmitAction, Ref: 7, Action: payload,
	})
	validate(compile("replicated_action.schema.json"), protocol.ReplicatedActionMsg{
		Type: protocol.TypeReplicatedAction, Frame: 8001, Origin: 3, Mine: true, Ref: 7, Action: payload,
	})
	chunk := compile("snapshot_chunk.schema.json")
	validate(chunk, protocol.SnapshotChunkMsg{Type: protocol.TypeSnapshotChunk, Phase: protocol.ChunkStart, Frame: 5000, Total: 4096})
	validate(chunk, protocol.SnapshotChunkMsg{Type: protocol.TypeSnapshotChunk, Phase: protocol.ChunkBody, Seq: 1, Data: []byte("abc")})
	validate(chunk, protocol.SnapshotChunkMsg{Type: protocol.TypeSnapshotChunk, Phase: protocol.ChunkEnd})
	validate(compile("frame.schema.json"), protocol.FrameAdvanceMsg{Type: protocol.TypeFrameAdvance, Frame: 10, FrameMax: 10, Token: 42})
	validate(compile("sync.schema.json"), protocol.DesyncChecksumMsg{Type: protocol.TypeDesyncChecksum, Frame: 8000, Seed1: 0xFFFFFFFF, Seed2: 1})
	validate(compile("disconnect.schema.json"), protocol.DisconnectMsg{Type: protocol.TypeDisconnect, Reason: protocol.ErrTimeoutMap})
	validate(compile("chat.schema.json"), protocol.ChatMsg{Type: protocol.TypeChat, Scope: protocol.ChatAll, From: 2, Name: "bob", Text: "hi"})

	var bad any
	_ = json.Unmarshal([]byte(`{"type":"SUBMIT_ACTION","ref":1,"action":{"kind":"launch_rocket","tile":0,"p1":0,"p2":0,"company":0}}`), &bad)
	if err := compile("submit_action.schema.json").Validate(bad); err == nil {
		t.Fatalf("expected unknown kind to fail validation")
	}
}
