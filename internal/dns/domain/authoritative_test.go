package domain

import (
	"testing"
	"time"
)

func TestAuthoritativeRecord_Validate(t *testing.T) {
	cases := []struct {
		name    string
		ar      AuthoritativeRecord
		wantErr bool
	}{
		{
			name: "valid record",
			ar: AuthoritativeRecord{
				Name:  "example.com.",
				Type:  1, // A
				Class: 1, // IN
				TTL:   60,
				Data:  []byte{1, 2, 3, 4},
			},
			wantErr: false,
		},
		{
			name: "empty name",
			ar: AuthoritativeRecord{
				Name:  "",
				Type:  1,
				Class: 1,
				TTL:   60,
				Data:  []byte{1, 2, 3, 4},
			},
			wantErr: true,
		},
		{
			name: "invalid type",
			ar: AuthoritativeRecord{
				Name:  "example.com.",
				Type:  9999,
				Class: 1,
				TTL:   60,
				Data:  []byte{1, 2, 3, 4},
			},
			wantErr: true,
		},
		{
			name: "invalid class",
			ar: AuthoritativeRecord{
				Name:  "example.com.",
				Type:  1,
				Class: 9999,
				TTL:   60,
				Data:  []byte{1, 2, 3, 4},
			},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ar.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewResourceRecordFromAuthoritative(t *testing.T) {
	ar := AuthoritativeRecord{
		Name:  "example.com.",
		Type:  1,
		Class: 1,
		TTL:   120,
		Data:  []byte{192, 168, 1, 1},
	}
	now := time.Now()
	rr := NewResourceRecordFromAuthoritative(ar, now)
	if rr.Name != ar.Name {
		t.Errorf("Name mismatch: got %v, want %v", rr.Name, ar.Name)
	}
	if rr.Type != ar.Type {
		t.Errorf("Type mismatch: got %v, want %v", rr.Type, ar.Type)
	}
	if rr.Class != ar.Class {
		t.Errorf("Class mismatch: got %v, want %v", rr.Class, ar.Class)
	}
	if rr.Data == nil || len(rr.Data) != len(ar.Data) {
		t.Errorf("Data mismatch: got %v, want %v", rr.Data, ar.Data)
	}
	if !rr.IsAuthoritative() {
		t.Error("expected converted record to be authoritative (non-expiring)")
	}
	if rr.TTL() != ar.TTL {
		t.Errorf("TTL mismatch: got %v, want %v", rr.TTL(), ar.TTL)
	}
}

func TestAuthoritativeRecord_CacheKeyMatchesEquivalentResourceRecord(t *testing.T) {
	ar := AuthoritativeRecord{
		Name:  "host.example.com.",
		Type:  28,
		Class: 3,
		TTL:   60,
		Data:  []byte{1, 2, 3, 4},
	}
	rr := NewResourceRecordFromAuthoritative(ar, time.Now())
	want := GenerateCacheKey(ar.Name, ar.Type, ar.Class)
	if got := rr.CacheKey(); got != want {
		t.Errorf("CacheKey() = %v, want %v", got, want)
	}
}
