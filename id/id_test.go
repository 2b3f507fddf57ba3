package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/finsight/finsight/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"DocumentID", id.NewDocumentID, "doc_"},
		{"EventID", id.NewEventID, "evt_"},
		{"SubscriberID", id.NewSubscriberID, "sub_"},
		{"ArchiveID", id.NewArchiveID, "arc_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixJob)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixJob {
		t.Errorf("expected prefix %q, got %q", id.PrefixJob, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"JobID", id.NewJobID, id.ParseJobID},
		{"DocumentID", id.NewDocumentID, id.ParseDocumentID},
		{"ArchiveID", id.NewArchiveID, id.ParseArchiveID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseJobID rejects doc_", id.NewDocumentID().String(), id.ParseJobID},
		{"ParseDocumentID rejects job_", id.NewJobID().String(), id.ParseDocumentID},
		{"ParseArchiveID rejects evt_", id.NewEventID().String(), id.ParseArchiveID},
		{"ParsePrincipalID rejects sub_", id.NewSubscriberID().String(), id.ParsePrincipalID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.parseFn(tt.input)
			if err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{"", "nounderscore", "job_!!!", "JOB_01h2xcejqtf2nbrexx3vqjhp41"}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			if _, err := id.Parse(input); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", input)
			}
		})
	}
}

func TestNil(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("nil ID Prefix() = %q, want empty", i.Prefix())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	original := id.NewJobID()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.String() != original.String() {
		t.Errorf("JSON round-trip mismatch: %q != %q", decoded.String(), original.String())
	}
}

func TestScanValue(t *testing.T) {
	original := id.NewDocumentID()

	v, err := original.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("Scan/Value round-trip mismatch: %q != %q", scanned.String(), original.String())
	}

	var nilID id.ID
	if err := nilID.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !nilID.IsNil() {
		t.Error("Scan(nil) should produce the nil ID")
	}
}
