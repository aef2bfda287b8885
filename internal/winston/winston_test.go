package winston

import "testing"

func TestAddSub(t *testing.T) {
	a := FromInt64(100)
	b := FromInt64(40)
	if got := a.Add(b).String(); got != "140" {
		t.Fatalf("Add: got %s, want 140", got)
	}
	if got := a.Sub(b).String(); got != "60" {
		t.Fatalf("Sub: got %s, want 60", got)
	}
}

func TestNegativeDetection(t *testing.T) {
	a := FromInt64(10)
	b := FromInt64(50)
	if !a.Sub(b).IsNegative() {
		t.Fatalf("expected 10 - 50 to be negative")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	in, err := FromString("123456789012345678901234567890")
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	data, err := in.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(data) != `"123456789012345678901234567890"` {
		t.Fatalf("unexpected JSON: %s", data)
	}

	var out Amount
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if out.Cmp(in) != 0 {
		t.Fatalf("round trip mismatch: got %s, want %s", out.String(), in.String())
	}
}

func TestScanVariants(t *testing.T) {
	var a Amount
	if err := a.Scan("42"); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if a.String() != "42" {
		t.Fatalf("got %s, want 42", a.String())
	}

	var b Amount
	if err := b.Scan([]byte("7")); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if b.String() != "7" {
		t.Fatalf("got %s, want 7", b.String())
	}

	var c Amount
	if err := c.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if c.Cmp(Zero()) != 0 {
		t.Fatalf("expected zero amount for nil scan")
	}
}
