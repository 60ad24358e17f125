package headerblock

import (
	"reflect"
	"testing"

	"github.com/vibing/akari-udp/pkg/akari"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		fields []akari.HeaderField
	}{
		{
			name: "static only",
			fields: []akari.HeaderField{
				{Name: "content-type", Value: "text/html"},
				{Name: "content-length", Value: "1024"},
			},
		},
		{
			name: "literal only",
			fields: []akari.HeaderField{
				{Name: "x-custom", Value: "foo"},
			},
		},
		{
			name: "mixed and duplicate names",
			fields: []akari.HeaderField{
				{Name: "set-cookie", Value: "a=1"},
				{Name: "set-cookie", Value: "b=2"},
				{Name: "x-request-id", Value: "abc-123"},
				{Name: "location", Value: "/redirected"},
			},
		},
		{
			name:   "empty",
			fields: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := Encode(tt.fields)
			decoded, err := Decode(block)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(tt.fields) == 0 && len(decoded) == 0 {
				return
			}
			if !reflect.DeepEqual(decoded, tt.fields) {
				t.Errorf("Decode() = %+v, want %+v", decoded, tt.fields)
			}
		})
	}
}

func TestDecodeStaticIDMatchesRustFixture(t *testing.T) {
	block := []byte{0x01, 0x00, 0x09, 't', 'e', 'x', 't', '/', 'h', 't', 'm', 'l'}
	got, err := Decode(block)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := []akari.HeaderField{{Name: "content-type", Value: "text/html"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode() = %+v, want %+v", got, want)
	}
}

func TestDecodeLiteralMatchesRustFixture(t *testing.T) {
	block := []byte{
		0x00, 0x08, 'x', '-', 'c', 'u', 's', 't', 'o', 'm', 0x00, 0x03, 'f', 'o', 'o',
	}
	got, err := Decode(block)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := []akari.HeaderField{{Name: "x-custom", Value: "foo"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode() = %+v, want %+v", got, want)
	}
}

func TestDecodeUnknownStaticID(t *testing.T) {
	if _, err := Decode([]byte{99, 0x00, 0x00}); err != akari.ErrMalformed {
		t.Errorf("Decode() error = %v, want ErrMalformed", err)
	}
}

func TestDecodeTruncatedValue(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x00, 0xFF, 'a'}); err != akari.ErrMalformed {
		t.Errorf("Decode() error = %v, want ErrMalformed", err)
	}
}

func TestDecodeTruncatedLiteralName(t *testing.T) {
	if _, err := Decode([]byte{0x00, 0x05, 'a', 'b'}); err != akari.ErrMalformed {
		t.Errorf("Decode() error = %v, want ErrMalformed", err)
	}
}
