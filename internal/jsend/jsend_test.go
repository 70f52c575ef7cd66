package jsend

import (
	"testing"

	"github.com/mredolatti/tf/internal/xerrors"
)

func TestDecodeSuccessDataField(t *testing.T) {
	body := []byte(`{"status":"success","data":{"mappings":[{"id":"m1"}]}}`)
	env, err := Decode(body, xerrors.FailedToFetchMappings)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var out []struct {
		ID string `json:"id"`
	}
	if err := DataField(env, "mappings", &out); err != nil {
		t.Fatalf("DataField: %v", err)
	}
	if len(out) != 1 || out[0].ID != "m1" {
		t.Fatalf("got %+v", out)
	}
}

func TestDecodeFailMapsToKind(t *testing.T) {
	body := []byte(`{"status":"fail","message":"bad token"}`)
	_, err := Decode(body, xerrors.FailedToFetchMappings)
	if !xerrors.Is(xerrors.FailedToFetchMappings, err) {
		t.Fatalf("expected FailedToFetchMappings, got %v", err)
	}
}

func TestDecodeErrorWithDataMap(t *testing.T) {
	body := []byte(`{"status":"error","data":{"field":"email","reason":"taken"}}`)
	_, err := Decode(body, xerrors.Other)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"), xerrors.Other)
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestSuccessRoundTrip(t *testing.T) {
	env, err := Success("servers", []string{"s1", "s2"})
	if err != nil {
		t.Fatalf("Success: %v", err)
	}
	var out []string
	if err := DataField(env, "servers", &out); err != nil {
		t.Fatalf("DataField: %v", err)
	}
	if len(out) != 2 || out[0] != "s1" {
		t.Fatalf("got %v", out)
	}
}
