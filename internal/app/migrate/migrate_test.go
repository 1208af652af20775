package migrate

import "testing"

func TestNewValidatesInputs(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		dsn  string
		dir  string
	}{
		{name: "missing dsn", dsn: "", dir: dir},
		{name: "missing dir", dsn: "postgres://localhost/db", dir: ""},
		{name: "nonexistent dir", dsn: "postgres://localhost/db", dir: dir + "/absent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.dsn, tc.dir, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := New("postgres://localhost/db", dir, nil); err != nil {
		t.Fatalf("expected valid runner, got %v", err)
	}
}
