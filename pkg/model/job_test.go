package model

import (
	"encoding/json"
	"testing"
)

func TestExecuteRequest_DecodeInputs(t *testing.T) {
	body := `{
		"inputs": {
			"message": "hello",
			"count": 3,
			"reads": {"href": "https://example.org/r1.fq", "type": "text/plain"},
			"bands": ["B04", "B08"],
			"scenes": [{"href": "vault://abc", "token": "t0k"}, {"href": "s3://bucket/key.tif"}],
			"bbox": {"value": [1, 2, 3, 4]}
		},
		"mode": "async"
	}`
	var req ExecuteRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := req.Inputs["message"]; len(got) != 1 || got[0].Value != "hello" {
		t.Errorf("message = %+v, want single literal hello", got)
	}
	if got := req.Inputs["count"][0].Value; got != float64(3) {
		t.Errorf("count = %v, want 3", got)
	}
	reads := req.Inputs["reads"]
	if len(reads) != 1 || !reads[0].IsReference() || reads[0].MediaType != "text/plain" {
		t.Errorf("reads = %+v, want one text/plain reference", reads)
	}
	if n := len(req.Inputs["bands"]); n != 2 {
		t.Errorf("bands len = %d, want 2", n)
	}
	scenes := req.Inputs["scenes"]
	if len(scenes) != 2 || scenes[0].Token != "t0k" || scenes[1].Href != "s3://bucket/key.tif" {
		t.Errorf("scenes = %+v", scenes)
	}
	if _, ok := req.Inputs["bbox"][0].Value.([]any); !ok {
		t.Errorf("bbox value = %T, want []any", req.Inputs["bbox"][0].Value)
	}
	if req.Mode != ModeAsync {
		t.Errorf("mode = %q, want async", req.Mode)
	}
}

func TestInputRef_PlainObjectIsLiteral(t *testing.T) {
	var ref InputRef
	if err := json.Unmarshal([]byte(`{"lat": 1.5, "lon": 2}`), &ref); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref.IsReference() {
		t.Error("object without href should not be a reference")
	}
	if _, ok := ref.Value.(map[string]any); !ok {
		t.Errorf("value = %T, want map", ref.Value)
	}
}

func TestJob_Transmission(t *testing.T) {
	j := &Job{Outputs: []OutputRequest{{ID: "out", Transmission: TransmissionReference}}}
	if m, ok := j.Transmission("out"); !ok || m != TransmissionReference {
		t.Errorf("Transmission(out) = %q, %v", m, ok)
	}
	if _, ok := j.Transmission("missing"); ok {
		t.Error("Transmission(missing) should not be found")
	}
}
