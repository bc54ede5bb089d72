package session

import (
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"wagate/internal/types"
)

var enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
var dec, _ = zstd.NewReader(nil)

// persistedEntry is the on-store shape of a SessionEntry. Auth is zstd-compressed and
// base64-url encoded; an empty string means no auth material yet.
type persistedEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Auth string `json:"auth"`
}

// EncodeAuth compresses and base64-url encodes raw auth material.
func EncodeAuth(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	b := enc.EncodeAll(raw, make([]byte, 0, len(raw)))
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeAuth reverses EncodeAuth.
func DecodeAuth(in string) ([]byte, error) {
	if in == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(in)
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(b, nil)
}

func marshalEntries(entries []types.SessionEntry) ([]byte, error) {
	out := make([]persistedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, persistedEntry{ID: e.ID, Name: e.Name, Auth: EncodeAuth(e.Auth)})
	}
	return json.Marshal(out)
}

func unmarshalEntries(b []byte) ([]types.SessionEntry, error) {
	var in []persistedEntry
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, err
	}
	entries := make([]types.SessionEntry, 0, len(in))
	for _, p := range in {
		if p.ID == "" {
			return nil, fmt.Errorf("session entry without id")
		}
		auth, err := DecodeAuth(p.Auth)
		if err != nil {
			return nil, fmt.Errorf("session %s: auth: %w", p.ID, err)
		}
		entries = append(entries, types.SessionEntry{ID: p.ID, Name: p.Name, Auth: auth})
	}
	return entries, nil
}
