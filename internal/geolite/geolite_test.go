package geolite

import "testing"

func TestNilResolverLookupIsEmpty(t *testing.T) {
	var r *Resolver
	if r.Available() {
		t.Fatal("nil resolver should not be available")
	}
	if loc := r.Lookup("8.8.8.8"); loc != (Location{}) {
		t.Fatalf("expected empty location, got %+v", loc)
	}
}

func TestFromBytesWithoutDatabases(t *testing.T) {
	r, err := FromBytes(nil, nil)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if r.Available() {
		t.Fatal("resolver without a country database should not be available")
	}
	if loc := r.Lookup("not-an-ip"); loc.CountryCode != "" {
		t.Fatalf("unexpected country %q", loc.CountryCode)
	}
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	if _, err := FromBytes([]byte("definitely not an mmdb file"), nil); err == nil {
		t.Fatal("expected parse error for invalid database")
	}
}
