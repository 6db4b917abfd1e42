package domain

import (
	"testing"
)

// FuzzParseAddress checks that address parsing never panics and never
// accepts a value it would also reject after its own normalization.
func FuzzParseAddress(f *testing.F) {
	f.Add("")
	f.Add("rKehillaTreasury7f3k")
	f.Add("  rAlice1234  ")
	f.Add("'; DROP TABLE transactions;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		addr, err := ParseAddress(input)
		if err != nil {
			return
		}
		if addr.IsNil() {
			t.Fatalf("ParseAddress(%q) returned nil address without error", input)
		}
		// A parsed address must survive a second parse unchanged.
		again, err := ParseAddress(addr.String())
		if err != nil {
			t.Fatalf("reparse of %q failed: %v", addr, err)
		}
		if again != addr {
			t.Fatalf("reparse changed %q to %q", addr, again)
		}
	})
}

// FuzzParseIdentityID checks the uuid trust boundary never panics.
func FuzzParseIdentityID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("not-a-uuid")
	f.Add("550e8400-e29b-41d4-a716-446655440000\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseIdentityID(input)
		if err == nil && id.String() == "" {
			t.Fatalf("ParseIdentityID(%q) returned empty id without error", input)
		}
	})
}
