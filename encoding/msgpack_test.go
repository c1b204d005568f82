package encoding

import (
	"sync"
	"testing"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "NOTE_ADDED"},
		{"int", 12345},
		{"bool", true},
		{"map", map[string]interface{}{"id": 1, "title": "groceries"}},
		{"nested", map[string]interface{}{
			"note": map[string]interface{}{
				"id":   123,
				"tags": []string{"a", "b"},
			},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_DeterministicMapOrder(t *testing.T) {
	value := map[string]interface{}{"b": 2, "a": 1, "c": 3, "d": 4}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("encoding differs between runs")
		}
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(map[string]interface{}{"goroutine": id, "iteration": j})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out map[string]interface{}
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	// A serialized JSON payload must come back as a string so it can be
	// decoded a second time.
	original := `{"id":1}`
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	str, ok := result.(string)
	if !ok {
		t.Fatalf("Expected string type, got %T", result)
	}
	if str != original {
		t.Errorf("String mismatch: got %q, want %q", str, original)
	}
}

func TestMarshalAttributes(t *testing.T) {
	attrs, err := MarshalAttributes(map[string]interface{}{
		"event":   "NOTE_ADDED",
		"payload": map[string]interface{}{"id": 1},
	})
	if err != nil {
		t.Fatalf("MarshalAttributes failed: %v", err)
	}
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}

	var name string
	if err := UnmarshalAttribute(attrs["event"], &name); err != nil {
		t.Fatalf("UnmarshalAttribute failed: %v", err)
	}
	if name != "NOTE_ADDED" {
		t.Errorf("got %q, want NOTE_ADDED", name)
	}

	var payload map[string]interface{}
	if err := UnmarshalAttribute(attrs["payload"], &payload); err != nil {
		t.Fatalf("UnmarshalAttribute failed: %v", err)
	}
	if _, ok := payload["id"]; !ok {
		t.Errorf("payload lost id field: %v", payload)
	}
}

func TestUnmarshalAttribute_Empty(t *testing.T) {
	var v interface{}
	if err := UnmarshalAttribute(nil, &v); err == nil {
		t.Error("expected error for empty attribute")
	}
}

func BenchmarkMarshal(b *testing.B) {
	data := map[string]interface{}{
		"event":   "NOTE_ADDED",
		"payload": `{"id":1,"title":"groceries"}`,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(data)
	}
}
