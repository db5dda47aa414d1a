package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestParseRequest_ValidRequest(t *testing.T) {
	data := []byte(`{
		"jsonrpc": "2.0",
		"id": "AQ==",
		"method": "fs-exists",
		"params": {"path": "/data"}
	}`)

	req, err := ParseRequest(data)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.Method != "fs-exists" {
		t.Errorf("Method = %s, want 'fs-exists'", req.Method)
	}
	if IDString(req.ID) != "AQ==" {
		t.Errorf("ID = %s, want AQ==", req.ID)
	}
	if string(req.Params) != `{"path": "/data"}` {
		t.Errorf("Params = %s", req.Params)
	}
	if req.IsNotification() {
		t.Error("IsNotification() = true for a request with an id")
	}
}

func TestParseRequest_NumericIDIsKeptVerbatim(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":17,"method":"version"}`))
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if string(req.ID) != "17" {
		t.Errorf("ID = %s, want 17", req.ID)
	}
	if IDString(req.ID) != "17" {
		t.Errorf("IDString() = %s, want 17", IDString(req.ID))
	}
}

func TestParseRequest_InvalidJSON(t *testing.T) {
	req, err := ParseRequest([]byte(`{invalid json`))
	if err == nil {
		t.Fatal("ParseRequest() expected error for invalid JSON, got nil")
	}
	if req != nil {
		t.Error("ParseRequest() expected nil request for invalid JSON")
	}
	if err.Code != CodeParseError {
		t.Errorf("Error code = %d, want %d", err.Code, CodeParseError)
	}
}

func TestParseRequest_InvalidEnvelope(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"wrong version", `{"jsonrpc":"1.0","id":"a","method":"version"}`},
		{"missing method", `{"jsonrpc":"2.0","id":"a"}`},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"version"}`},
		{"bool id", `{"jsonrpc":"2.0","id":true,"method":"version"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.data))
			if err == nil {
				t.Fatal("ParseRequest() expected error")
			}
			if err.Code != CodeInvalidRequest {
				t.Errorf("Error code = %d, want %d", err.Code, CodeInvalidRequest)
			}
			if req == nil {
				t.Error("ParseRequest() should return the decoded envelope so the id can be echoed")
			}
		})
	}
}

func TestParseRequest_MissingVersionIsAccepted(t *testing.T) {
	if _, err := ParseRequest([]byte(`{"id":"a","method":"version"}`)); err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
}

func TestNotificationRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"ping","id":null}`))
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if !req.IsNotification() {
		t.Error("IsNotification() = false for a null id")
	}
}

func TestNewResultFrame(t *testing.T) {
	resp := NewResult(StringID("x"), map[string]string{"type": "file"})
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"jsonrpc":"2.0","id":"x","result":{"type":"file"}}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestNewResultNilIsNull(t *testing.T) {
	data, _ := json.Marshal(NewResult(StringID("x"), nil))
	want := `{"jsonrpc":"2.0","id":"x","result":null}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestNewResultUnencodable(t *testing.T) {
	resp := NewResult(StringID("x"), make(chan int))
	if resp.Error == nil || resp.Error.Code != CodeUnknownError {
		t.Fatalf("expected UnknownError frame, got %+v", resp)
	}
}

func TestNewFailureFrame(t *testing.T) {
	data, _ := json.Marshal(NewFailure(nil, NewError(CodeParseError, "parse error")))
	want := `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestFrameHasID(t *testing.T) {
	tests := []struct {
		data string
		want bool
	}{
		{`{"id":"a","result":1}`, true},
		{`{"id":null,"params":{}}`, false},
		{`{"params":{"progress":0.5}}`, false},
	}
	for _, tt := range tests {
		var f Frame
		if err := json.Unmarshal([]byte(tt.data), &f); err != nil {
			t.Fatal(err)
		}
		if got := f.HasID(); got != tt.want {
			t.Errorf("HasID(%s) = %v, want %v", tt.data, got, tt.want)
		}
	}
}

func TestNewNotification(t *testing.T) {
	n, err := NewNotification("progress", map[string]float64{"amount": 0.5})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(n)
	want := `{"jsonrpc":"2.0","method":"progress","params":{"amount":0.5}}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}
