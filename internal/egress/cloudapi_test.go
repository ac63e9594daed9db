package egress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCloudAPISinkSend(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"messages": [{"id": "wamid.out.1"}]}`)
	}))
	defer server.Close()

	sink := NewCloudAPISink(CloudAPIConfig{
		BaseURL:       server.URL,
		PhoneNumberID: "12345",
		Token:         "tok",
	})
	res, err := sink.Send(context.Background(), "5511999", "oi!")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.ProviderMessageID != "wamid.out.1" {
		t.Fatalf("result = %+v", res)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody["to"] != "5511999" || gotBody["messaging_product"] != "whatsapp" {
		t.Errorf("payload = %v", gotBody)
	}
}

func TestCloudAPISinkProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"code": 131026, "message": "recipient not available"}}`)
	}))
	defer server.Close()

	sink := NewCloudAPISink(CloudAPIConfig{BaseURL: server.URL, PhoneNumberID: "12345"})
	res, err := sink.Send(context.Background(), "5511999", "oi!")
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.ErrorCode != "131026" || res.ErrorDetail != "recipient not available" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCloudAPISinkNetworkFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // refused connections from here on

	sink := NewCloudAPISink(CloudAPIConfig{BaseURL: server.URL, PhoneNumberID: "12345"})
	res, err := sink.Send(context.Background(), "5511999", "oi!")
	if err != nil {
		t.Fatal("network fault must be a failed attempt, not an error")
	}
	if res.OK || res.ErrorCode != "network" {
		t.Fatalf("result = %+v", res)
	}
}

func TestLogSinkSequence(t *testing.T) {
	sink := NewLogSink()
	first, err := sink.Send(context.Background(), "conv-1", "a")
	if err != nil {
		t.Fatal(err)
	}
	second, _ := sink.Send(context.Background(), "conv-1", "b")
	if !first.OK || !second.OK {
		t.Fatal("log sink never fails")
	}
	if !strings.HasPrefix(first.ProviderMessageID, "log-") || first.ProviderMessageID == second.ProviderMessageID {
		t.Errorf("ids = %q, %q", first.ProviderMessageID, second.ProviderMessageID)
	}
}
