package events

import "testing"

func TestNewEnvelopeRoundTrip(t *testing.T) {
	data := ResponseReadyData{RequestID: "req1", SessionID: "sess1", Content: "hello"}
	env, err := NewEnvelope("evt1", "router", TypeResponseReady, "sess1", data)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.DataContentType != DataContentTypeJSON {
		t.Fatalf("expected json content type, got %q", env.DataContentType)
	}

	var decoded ResponseReadyData
	if err := env.DecodeData(&decoded); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if decoded.RequestID != "req1" || decoded.Content != "hello" {
		t.Fatalf("unexpected decoded payload: %+v", decoded)
	}
}

func TestNormalizedRequestSurfaceKinds(t *testing.T) {
	kinds := []Surface{SurfaceChat, SurfaceWeb, SurfaceCLI, SurfaceTool, SurfaceGeneric}
	seen := map[Surface]bool{}
	for _, k := range kinds {
		if seen[k] {
			t.Fatalf("duplicate surface kind %q", k)
		}
		seen[k] = true
	}
}
